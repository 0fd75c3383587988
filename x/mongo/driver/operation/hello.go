// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation builds and executes the individual commands the
// runtime needs: the handshake (hello) and the write operation core.
package operation

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// maxClientMetadataSize is the maximum size of the client metadata
// document that can be sent to the server. The maximum document size on
// standalone and replica servers is 1024, but on sharded clusters it's
// 512, so the smaller bound is used for every deployment kind.
const maxClientMetadataSize = 512

const driverName = "meridiandb-go-driver-core"
const driverVersion = "0.1.0"

// legacyHelloCommandName is sent instead of "hello" to servers that have
// not yet reported helloOk.
const legacyHelloCommandName = "isMaster"

// Hello runs the connection handshake and periodic heartbeats.
type Hello struct {
	appname            string
	compressors        []string
	saslSupportedMechs string
	d                  driver.Deployment
	clock              *driver.ClusterClock
	speculativeAuth    bsoncore.Document
	topologyVersion    *description.TopologyVersion
	maxAwaitTimeMS     *int64
	serverAPI          *driver.ServerAPIOptions
	loadBalanced       bool

	res bsoncore.Document
}

var _ driver.Handshaker = (*Hello)(nil)

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name reported in client metadata.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// ClusterClock sets the cluster clock this handshake should advance.
func (h *Hello) ClusterClock(clock *driver.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// Compressors sets the compressors advertised during the handshake.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// SASLSupportedMechs requests the supported SASL mechanisms for the
// given username in the handshake reply.
func (h *Hello) SASLSupportedMechs(username string) *Hello {
	h.saslSupportedMechs = username
	return h
}

// Deployment sets the Deployment the heartbeat form of this operation
// runs against.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.d = d
	return h
}

// SpeculativeAuthenticate attaches a speculative authentication document
// to the handshake command.
func (h *Hello) SpeculativeAuthenticate(doc bsoncore.Document) *Hello {
	h.speculativeAuth = doc
	return h
}

// TopologyVersion sets the last known topologyVersion, used by streaming
// heartbeats to block server-side until it changes.
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS sets how long the server may block a streaming
// heartbeat waiting for a topology change.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// ServerAPI sets the stable API version declared with the handshake.
func (h *Hello) ServerAPI(serverAPI *driver.ServerAPIOptions) *Hello {
	h.serverAPI = serverAPI
	return h
}

// LoadBalanced marks this handshake as occurring over a load-balanced
// connection, which always uses "hello" and sets loadBalanced=true.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// Result parses the most recently received reply into a server
// description.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServerFromHello(addr, h.res)
}

const (
	envVarAWSExecutionEnv        = "AWS_EXECUTION_ENV"
	envVarAWSLambdaRuntimeAPI    = "AWS_LAMBDA_RUNTIME_API"
	envVarFunctionsWorkerRuntime = "FUNCTIONS_WORKER_RUNTIME"
	envVarKService               = "K_SERVICE"
	envVarFunctionName           = "FUNCTION_NAME"
	envVarVercel                 = "VERCEL"
)

const (
	envVarAWSRegion                   = "AWS_REGION"
	envVarAWSLambdaFunctionMemorySize = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
	envVarFunctionMemoryMB            = "FUNCTION_MEMORY_MB"
	envVarFunctionTimeoutSec          = "FUNCTION_TIMEOUT_SEC"
	envVarFunctionRegion              = "FUNCTION_REGION"
	envVarVercelURL                   = "VERCEL_URL"
	envVarVercelRegion                = "VERCEL_REGION"
)

const (
	envNameAWSLambda = "aws.lambda"
	envNameAzureFunc = "azure.func"
	envNameGCPFunc   = "gcp.func"
	envNameVercel    = "vercel"
)

// getFaasEnvName inspects well-known FaaS environment variables and
// returns the client.env.name value, or "" if zero or multiple FaaS
// providers' variables are simultaneously set.
func getFaasEnvName() string {
	envVars := []string{
		envVarAWSExecutionEnv,
		envVarAWSLambdaRuntimeAPI,
		envVarFunctionsWorkerRuntime,
		envVarKService,
		envVarFunctionName,
		envVarVercel,
	}

	names := make(map[string]struct{})
	for _, envVar := range envVars {
		if os.Getenv(envVar) == "" {
			continue
		}

		var name string
		switch envVar {
		case envVarAWSExecutionEnv, envVarAWSLambdaRuntimeAPI:
			name = envNameAWSLambda
		case envVarFunctionsWorkerRuntime:
			name = envNameAzureFunc
		case envVarKService, envVarFunctionName:
			name = envNameGCPFunc
		case envVarVercel:
			name = envNameVercel
		}

		names[name] = struct{}{}
		if len(names) > 1 {
			names = nil
			break
		}
	}

	for name := range names {
		return name
	}
	return ""
}

func appendClientAppName(dst []byte, name string) ([]byte, error) {
	var idx int32
	idx, dst = bsoncore.AppendDocumentElementStart(dst, "application")
	dst = bsoncore.AppendStringElement(dst, "name", name)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func appendClientDriver(dst []byte) ([]byte, error) {
	var idx int32
	idx, dst = bsoncore.AppendDocumentElementStart(dst, "driver")
	dst = bsoncore.AppendStringElement(dst, "name", driverName)
	dst = bsoncore.AppendStringElement(dst, "version", driverVersion)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func appendClientEnv(dst []byte, omitNonName, omitDoc bool) ([]byte, error) {
	if omitDoc {
		return dst, nil
	}

	name := getFaasEnvName()
	if name == "" {
		return dst, nil
	}

	var idx int32
	idx, dst = bsoncore.AppendDocumentElementStart(dst, "env")
	dst = bsoncore.AppendStringElement(dst, "name", name)

	addMem := func(envVar string) []byte {
		mem := os.Getenv(envVar)
		if mem == "" {
			return dst
		}
		memInt64, err := strconv.ParseInt(mem, 10, 32)
		if err != nil {
			return dst
		}
		return bsoncore.AppendInt32Element(dst, "memory_mb", int32(memInt64))
	}

	addRegion := func(envVar string) []byte {
		region := os.Getenv(envVar)
		if region == "" {
			return dst
		}
		return bsoncore.AppendStringElement(dst, "region", region)
	}

	addTimeout := func(envVar string) []byte {
		timeout := os.Getenv(envVar)
		if timeout == "" {
			return dst
		}
		timeoutInt64, err := strconv.ParseInt(timeout, 10, 32)
		if err != nil {
			return dst
		}
		return bsoncore.AppendInt32Element(dst, "timeout_sec", int32(timeoutInt64))
	}

	addURL := func(envVar string) []byte {
		url := os.Getenv(envVar)
		if url == "" {
			return dst
		}
		return bsoncore.AppendStringElement(dst, "url", url)
	}

	if !omitNonName {
		switch name {
		case envNameAWSLambda:
			dst = addMem(envVarAWSLambdaFunctionMemorySize)
			dst = addRegion(envVarAWSRegion)
		case envNameGCPFunc:
			dst = addMem(envVarFunctionMemoryMB)
			dst = addRegion(envVarFunctionRegion)
			dst = addTimeout(envVarFunctionTimeoutSec)
		case envNameVercel:
			dst = addRegion(envVarVercelRegion)
			dst = addURL(envVarVercelURL)
		}
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func appendClientOS(dst []byte, omitNonType bool) ([]byte, error) {
	var idx int32
	idx, dst = bsoncore.AppendDocumentElementStart(dst, "os")
	dst = bsoncore.AppendStringElement(dst, "type", runtime.GOOS)
	if !omitNonType {
		dst = bsoncore.AppendStringElement(dst, "architecture", runtime.GOARCH)
	}
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func appendClientPlatform(dst []byte) []byte {
	return bsoncore.AppendStringElement(dst, "platform", runtime.Version())
}

// encodeClientMetadata builds the client metadata document, trimming
// fields in a fixed cascade (env non-name fields, then os non-type
// fields, then the whole env document, then omitting platform) until
// it fits within maxLen. Returns an empty slice if nothing fits, and an
// error if appname is longer than 128 bytes.
func encodeClientMetadata(appname string, maxLen int) ([]byte, error) {
	if len(appname) > 128 {
		return nil, errors.New("invalid application name: longer than 128 bytes")
	}
	dst := make([]byte, 0, maxLen)

	omitEnvNonName := false
	omitOSNonType := false
	omitEnvDoc := false
	truncatePlatform := false

retry:
	var idx int32
	idx, dst = bsoncore.AppendDocumentStart(dst)

	var err error
	dst, err = appendClientAppName(dst, appname)
	if err != nil {
		return dst, err
	}
	dst, err = appendClientDriver(dst)
	if err != nil {
		return dst, err
	}
	dst, err = appendClientOS(dst, omitOSNonType)
	if err != nil {
		return dst, err
	}
	if !truncatePlatform {
		dst = appendClientPlatform(dst)
	}
	if !omitEnvDoc {
		dst, err = appendClientEnv(dst, omitEnvNonName, false)
		if err != nil {
			return dst, err
		}
	}

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return dst, err
	}

	if len(dst) > maxLen {
		dst = dst[:0]

		if !omitEnvNonName {
			omitEnvNonName = true
			goto retry
		}
		if !omitOSNonType {
			omitOSNonType = true
			goto retry
		}
		if !omitEnvDoc {
			omitEnvDoc = true
			goto retry
		}
		if !truncatePlatform {
			truncatePlatform = true
			goto retry
		}

		return dst[:0], nil
	}

	return dst, nil
}

// handshakeCommand builds the full handshake command: the base hello
// command plus saslSupportedMechs, speculative auth, compression, and
// client metadata.
func (h *Hello) handshakeCommand(dst []byte, desc description.SelectedServerDescription) ([]byte, error) {
	dst, err := h.command(dst, desc)
	if err != nil {
		return dst, err
	}

	if h.saslSupportedMechs != "" {
		dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", h.saslSupportedMechs)
	}
	if h.speculativeAuth != nil {
		dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", h.speculativeAuth)
	}

	var idx int32
	idx, dst = bsoncore.AppendArrayElementStart(dst, "compression")
	for i, compressor := range h.compressors {
		dst = bsoncore.AppendStringElement(dst, strconv.Itoa(i), compressor)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)

	clientMetadata, err := encodeClientMetadata(h.appname, maxClientMetadataSize)
	if err != nil {
		return dst, err
	}
	if len(clientMetadata) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "client", clientMetadata)
	}

	return dst, nil
}

// command builds the base hello/isMaster command fields.
func (h *Hello) command(dst []byte, desc description.SelectedServerDescription) ([]byte, error) {
	if desc.Kind == description.TopologyLoadBalanced || h.loadBalanced || h.serverAPI != nil || desc.Server.HelloOK {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, legacyHelloCommandName, 1)
	}
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		var tvIdx int32
		tvIdx, dst = bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		dst = bsoncore.AppendObjectIDElement(dst, "processId", tv.ProcessID)
		dst = bsoncore.AppendInt64Element(dst, "counter", tv.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(dst, tvIdx)
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}
	if h.loadBalanced {
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	return dst, nil
}

// Execute runs a heartbeat hello against h's Deployment.
func (h *Hello) Execute(ctx context.Context) error {
	if h.d == nil {
		return errors.New("a Hello must have a Deployment set before Execute can be called")
	}
	return h.createOperation().Execute(ctx)
}

// StreamResponse reads the next pushed reply from a streaming (moreToCome)
// heartbeat connection.
func (h *Hello) StreamResponse(ctx context.Context, conn driver.StreamerConnection) error {
	return h.createOperation().ExecuteExhaust(ctx, conn)
}

func (h *Hello) createOperation() driver.Operation {
	return driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.command,
		Database:   "admin",
		Deployment: h.d,
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
	}
}

// GetHandshakeInformation implements driver.Handshaker: runs the initial
// handshake command on a fresh, not-yet-pooled connection.
func (h *Hello) GetHandshakeInformation(ctx context.Context, _ address.Address, c driver.Connection) (driver.HandshakeInformation, error) {
	err := driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.handshakeCommand,
		Deployment: driver.SingleConnectionDeployment{C: c},
		Database:   "admin",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
	}.Execute(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}

	info := driver.HandshakeInformation{
		Description: h.Result(c.Address()),
	}
	if speculativeAuthenticate, ok := lookupDocument(h.res, "speculativeAuthenticate"); ok {
		info.SpeculativeAuthenticate = speculativeAuthenticate
	}
	if serverConnectionID, ok := lookupInt32(h.res, "connectionId"); ok {
		info.ServerConnectionID = &serverConnectionID
	}
	if mechs, ok := lookupStringArray(h.res, "saslSupportedMechs"); ok {
		info.SaslSupportedMechs = mechs
	}
	return info, nil
}

// FinishHandshake implements driver.Handshaker. It is a no-op: a
// connection with no credential attached has nothing left to do once the
// initial hello completes.
func (h *Hello) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}

func lookupDocument(doc bsoncore.Document, key string) (bsoncore.Document, bool) {
	v, err := doc.LookupErr(key)
	if err != nil {
		return nil, false
	}
	return v.DocumentOK()
}

func lookupInt32(doc bsoncore.Document, key string) (int32, bool) {
	v, err := doc.LookupErr(key)
	if err != nil {
		return 0, false
	}
	return v.Int32OK()
}

func lookupStringArray(doc bsoncore.Document, key string) ([]string, bool) {
	v, err := doc.LookupErr(key)
	if err != nil {
		return nil, false
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, false
	}
	values, err := arr.Values()
	if err != nil {
		return nil, false
	}
	out := make([]string, 0, len(values))
	for _, val := range values {
		if s, ok := val.StringOK(); ok {
			out = append(out, s)
		}
	}
	return out, true
}
