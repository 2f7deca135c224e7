package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/awnumar/memguard"
)

// Handshake registers a client-chosen shared secret under its SHA-256
// digest. The secret arrives as 64 hex chars. Registering the same
// secret twice is a conflict; the first registration stands.
func (r *Registry) Handshake(ctx context.Context, secretHex, ip string) error {
	secret, err := decodeHex32(secretHex)
	if err != nil {
		return Failf(InvalidArgument, "secret must be 64 hex chars")
	}
	defer memguard.WipeBytes(secret)

	hash := sha256.Sum256(secret)
	if _, err := r.store.InsertSecurity(ctx, secret, hash[:], ip); err != nil {
		return FromStore(err, "registering secret")
	}
	r.log.Info("handshake completed", "hash", hex.EncodeToString(hash[:8]), "ip", ip)
	return nil
}

// decodeHex32 decodes a 64-char hex string into 32 raw bytes.
func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errBadLength
	}
	return b, nil
}

var errBadLength = errors.New("value must be 64 hex chars")
