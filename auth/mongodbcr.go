package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"

	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// mongodbCRAuthenticator implements the legacy MONGODB-CR mechanism,
// retained for servers too old to support SCRAM. It is a two-round
// getnonce/authenticate exchange, not a SASL mechanism, so it talks to the
// connection directly rather than through ConductSaslConversation.
type mongodbCRAuthenticator struct {
	cred *Cred
}

func (a *mongodbCRAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	source := a.cred.Source
	if source == "" {
		source = "admin"
	}

	nonceReply, err := runSaslCommand(ctx, cfg, getNonceCommand())
	if err != nil {
		return err
	}
	nonceVal, err := nonceReply.LookupErr("nonce")
	if err != nil {
		return errors.New("getnonce reply missing nonce")
	}
	nonce, ok := nonceVal.StringOK()
	if !ok {
		return errors.New("getnonce reply nonce is not a string")
	}

	digest := mongoCRDigest(a.cred.Username, a.cred.Password)
	key := md5Hex(nonce + a.cred.Username + digest)

	_, err = runSaslCommand(ctx, cfg, authenticateCommand(a.cred.Username, nonce, key))
	return err
}

func mongoCRDigest(username, password string) string {
	return md5Hex(username + ":mongo:" + password)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func getNonceCommand() bsoncore.Document {
	var dst []byte
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = bsoncore.AppendInt32Element(dst, "getnonce", 1)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func authenticateCommand(username, nonce, key string) bsoncore.Document {
	var dst []byte
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = bsoncore.AppendInt32Element(dst, "authenticate", 1)
	dst = bsoncore.AppendStringElement(dst, "nonce", nonce)
	dst = bsoncore.AppendStringElement(dst, "user", username)
	dst = bsoncore.AppendStringElement(dst, "key", key)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
