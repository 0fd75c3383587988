// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the client-side runtime: the connection
// pool, the wire connection, per-server monitoring (SDAM), and the
// topology state machine that aggregates server descriptions into a
// selectable deployment.
package topology

import (
	"crypto/tls"
	"time"

	"github.com/meridiandb/go-driver-core/auth"
	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/internal/logger"
)

// Default configuration values.
const (
	DefaultMaxPoolSize           = 100
	DefaultMinPoolSize           = 0
	DefaultMaxConnIdleTime       = 0 // never
	DefaultHeartbeatInterval     = 10 * time.Second
	DefaultServerSelectionTimeout = 30 * time.Second
	DefaultConnectTimeout        = 30 * time.Second
	DefaultLocalThresholdMillis  = int64(15)
	MinHeartbeatInterval         = 500 * time.Millisecond
)

// connectionConfig holds per-connection settings assembled by
// ConnectionOption functions.
type connectionConfig struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration
	lifeTimeout    time.Duration
	tlsConfig      *tls.Config
	appName        string
	compressors    []string
	handshaker     driver.Handshaker
	cred           *auth.Cred
	logger         *logger.Logger
	tlsCertErr     error
}

// ConnectionOption configures a single connection.
type ConnectionOption func(*connectionConfig)

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: DefaultConnectTimeout,
		idleTimeout:    DefaultMaxConnIdleTime,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.connectTimeout = d }
}

// WithIdleTimeout sets how long a connection may sit unused in the pool
// before it is closed as idle. Zero means never.
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.idleTimeout = d }
}

// WithLifeTimeout sets the maximum lifetime of a connection regardless of
// use. Zero means unbounded.
func WithLifeTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.lifeTimeout = d }
}

// WithTLSConfig sets the TLS configuration used for secured connections.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) { c.tlsConfig = cfg }
}

// WithAppName sets the application name reported in the handshake.
func WithAppName(name string) ConnectionOption {
	return func(c *connectionConfig) { c.appName = name }
}

// WithCompressors sets the client's compressor preference order.
func WithCompressors(compressors []string) ConnectionOption {
	return func(c *connectionConfig) { c.compressors = compressors }
}

// WithHandshaker sets the handshake operation run on each new connection.
// There is no default: a connection configured without a handshaker sends
// no hello and does not authenticate, and is usable as soon as it is
// dialed.
func WithHandshaker(h driver.Handshaker) ConnectionOption {
	return func(c *connectionConfig) { c.handshaker = h }
}

// WithCredential sets the credential used to authenticate after handshake.
func WithCredential(cred *auth.Cred) ConnectionOption {
	return func(c *connectionConfig) { c.cred = cred }
}

// WithConnectionLogger attaches a logger to the connection.
func WithConnectionLogger(l *logger.Logger) ConnectionOption {
	return func(c *connectionConfig) { c.logger = l }
}

// poolConfig holds pool-level settings.
type poolConfig struct {
	address        string
	minSize        uint64
	maxSize        uint64
	maxConnecting  uint64
	maintainInterval time.Duration
	idleTimeout    time.Duration
	poolMonitor    *PoolMonitor
	logger         *logger.Logger
	loadBalanced   bool
}

// PoolOption configures the connection pool.
type PoolOption func(*poolConfig)

func newPoolConfig(address string, opts ...PoolOption) *poolConfig {
	cfg := &poolConfig{
		address:       address,
		maxSize:       DefaultMaxPoolSize,
		minSize:       DefaultMinPoolSize,
		maxConnecting: 2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithMaxPoolSize sets the maximum number of connections the pool will
// hold, checked out plus idle. Zero means unbounded.
func WithMaxPoolSize(n uint64) PoolOption {
	return func(c *poolConfig) { c.maxSize = n }
}

// WithMinPoolSize sets the number of idle connections the populator tries
// to maintain.
func WithMinPoolSize(n uint64) PoolOption {
	return func(c *poolConfig) { c.minSize = n }
}

// WithMaxConnecting bounds how many connections the populator may be
// dialing at once.
func WithMaxConnecting(n uint64) PoolOption {
	return func(c *poolConfig) { c.maxConnecting = n }
}

// WithPoolIdleTimeout sets the per-connection idle timeout enforced by the
// pool's maintenance loop.
func WithPoolIdleTimeout(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.idleTimeout = d }
}

// WithPoolMonitor attaches a PoolMonitor for event observation.
func WithPoolMonitor(m *PoolMonitor) PoolOption {
	return func(c *poolConfig) { c.poolMonitor = m }
}

// WithPoolLogger attaches a logger to the pool.
func WithPoolLogger(l *logger.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

// WithPoolLoadBalanced marks the pool as belonging to a load-balanced
// deployment: clear bumps the generation and drops idle connections as
// usual, but never pauses the pool, since a load balancer topology has no
// SDAM monitor to later call ready again.
func WithPoolLoadBalanced(v bool) PoolOption {
	return func(c *poolConfig) { c.loadBalanced = v }
}

// serverConfig holds server-level settings.
type serverConfig struct {
	heartbeatInterval      time.Duration
	connectionOptions      []ConnectionOption
	poolOptions            []PoolOption
	serverMonitor          *ServerMonitor
	serverAPI              *driver.ServerAPIOptions
	logger                 *logger.Logger
	loadBalanced           bool
}

// ServerOption configures a monitored server.
type ServerOption func(*serverConfig)

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{heartbeatInterval: DefaultHeartbeatInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithHeartbeatInterval sets the interval between monitor heartbeats.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d < MinHeartbeatInterval {
			d = MinHeartbeatInterval
		}
		c.heartbeatInterval = d
	}
}

// WithServerConnectionOptions sets the ConnectionOptions used for every
// connection the server's pool dials.
func WithServerConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(c *serverConfig) { c.connectionOptions = append(c.connectionOptions, opts...) }
}

// WithServerPoolOptions sets the PoolOptions for the server's connection
// pool.
func WithServerPoolOptions(opts ...PoolOption) ServerOption {
	return func(c *serverConfig) { c.poolOptions = append(c.poolOptions, opts...) }
}

// WithServerMonitor attaches a ServerMonitor for SDAM event observation.
func WithServerMonitor(m *ServerMonitor) ServerOption {
	return func(c *serverConfig) { c.serverMonitor = m }
}

// WithServerAPIOptions sets the stable API version sent with every
// command issued against this server.
func WithServerAPIOptions(api *driver.ServerAPIOptions) ServerOption {
	return func(c *serverConfig) { c.serverAPI = api }
}

// WithServerLogger attaches a logger to the server and its monitor.
func WithServerLogger(l *logger.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// WithServerLoadBalanced marks the server's pool as belonging to a
// load-balanced deployment, so it stays ready across clears.
func WithServerLoadBalanced(v bool) ServerOption {
	return func(c *serverConfig) { c.loadBalanced = v }
}

// topologyConfig holds topology-level settings.
type topologyConfig struct {
	mode                   topologyMode
	seedList               []string
	setName                string
	serverSelectionTimeout time.Duration
	serverOptions          []ServerOption
	uri                    string
	loadBalanced           bool
}

// topologyMode distinguishes how the topology interprets the seed list
// and single-server replies.
type topologyMode uint8

const (
	automaticMode topologyMode = iota
	singleMode
)

// TopologyOption configures the Topology.
type TopologyOption func(*topologyConfig)

func newTopologyConfig(opts ...TopologyOption) *topologyConfig {
	cfg := &topologyConfig{
		mode:                   automaticMode,
		serverSelectionTimeout: DefaultServerSelectionTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithSeedList sets the initial set of server addresses.
func WithSeedList(addrs ...string) TopologyOption {
	return func(c *topologyConfig) { c.seedList = addrs }
}

// WithReplicaSetName pins the topology to a named replica set.
func WithReplicaSetName(name string) TopologyOption {
	return func(c *topologyConfig) { c.setName = name }
}

// WithSingleMode forces Single-topology behavior: the one seed server is
// trusted regardless of what it reports about a replica set.
func WithSingleMode() TopologyOption {
	return func(c *topologyConfig) { c.mode = singleMode }
}

// WithLoadBalanced marks the deployment as a load balancer: every server
// the topology adds has its pool exempted from pausing on clear.
func WithLoadBalanced(v bool) TopologyOption {
	return func(c *topologyConfig) { c.loadBalanced = v }
}

// WithServerSelectionTimeout bounds how long server selection waits for a
// suitable server before giving up.
func WithServerSelectionTimeout(d time.Duration) TopologyOption {
	return func(c *topologyConfig) { c.serverSelectionTimeout = d }
}

// WithTopologyServerOptions sets the ServerOptions applied to every server
// the topology creates.
func WithTopologyServerOptions(opts ...ServerOption) TopologyOption {
	return func(c *topologyConfig) { c.serverOptions = append(c.serverOptions, opts...) }
}
