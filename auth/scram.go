package auth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

type hashGeneratorFcn func() hash.Hash

func scramSHA1() hash.Hash   { return sha1.New() }
func scramSHA256() hash.Hash { return sha256.New() }

// scramAuthenticator drives a SCRAM-SHA-1 or SCRAM-SHA-256 conversation
// using github.com/xdg-go/scram for the conversation state machine and
// github.com/xdg-go/stringprep for SASLprep normalization of the username
// and password, matching the teacher's own SCRAM dependency pair.
type scramAuthenticator struct {
	cred     *Cred
	hashFunc hashGeneratorFcn
}

func (a *scramAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	passprep, err := stringprep.SASLprep.Prepare(a.cred.Password)
	if err != nil {
		// RFC 4013 allows unpreparable passwords to be used verbatim.
		passprep = a.cred.Password
	}

	client, err := scram.NewClient(a.hashFunc, a.cred.Username, passprep)
	if err != nil {
		return fmt.Errorf("error initializing SCRAM client: %w", err)
	}
	client.WithMinIterations(4096)

	conv := client.NewConversation()
	adapter := &scramSaslAdapter{conv: conv, mechanismName: a.mechanismName()}

	source := a.cred.Source
	if source == "" {
		source = "admin"
	}
	return ConductSaslConversation(ctx, cfg, source, adapter)
}

func (a *scramAuthenticator) mechanismName() string {
	if a.hashFunc == nil {
		return "SCRAM-SHA-1"
	}
	h := a.hashFunc()
	if h.Size() == sha256.Size {
		return "SCRAM-SHA-256"
	}
	return "SCRAM-SHA-1"
}

// scramSaslAdapter adapts an *scram.ClientConversation to the SaslClient
// interface ConductSaslConversation drives.
type scramSaslAdapter struct {
	conv          *scram.ClientConversation
	mechanismName string
}

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conv.Step("")
	if err != nil {
		return a.mechanismName, nil, err
	}
	return a.mechanismName, []byte(step), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, bool, error) {
	step, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, false, err
	}
	return []byte(step), a.conv.Done(), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conv.Done()
}
