package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/awnumar/memguard"

	"github.com/inkwire/gatehouse/internal/util"
)

// Nonce chain primitives. The chain is anchored in the shared secret:
// the initial nonce and seed are each derived from the secret and fresh
// randomness, and every authenticated request moves the chain one link
// forward with NextNonce.

const chainRandLen = 16

// DeriveChainValue produces a fresh chain anchor from the secret's hex
// form and new randomness.
func DeriveChainValue(secretHex string) ([]byte, error) {
	r, err := util.RandomBytes(chainRandLen)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(secretHex))
	h.Write(r)
	return h.Sum(nil), nil
}

// NextNonce is the chain step: the digest of the current nonce and the
// session seed.
func NextNonce(nonce, seed []byte) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(seed)
	return h.Sum(nil)
}

// Envelope is the authenticated-transport request wrapper: an encrypted
// payload plus the material needed to locate the secret and verify the
// plaintext.
type Envelope struct {
	SecHash  string // hex-64, SHA-256 of the shared secret
	Salt     string // hex-32, cipher IV
	Checksum string // hex-32, weak tag over plaintext and secret
	Data     string // base64 ciphertext
}

// Open decrypts and verifies an envelope with the given secret. The
// checksum is checked in constant time; any mismatch or malformed field
// is an integrity violation.
func (e *Envelope) Open(secret []byte) ([]byte, error) {
	iv, err := hex.DecodeString(e.Salt)
	if err != nil || len(iv) != util.AESIVSize {
		return nil, Failf(InvalidArgument, "malformed salt")
	}
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, Failf(InvalidArgument, "malformed payload encoding")
	}
	want, err := hex.DecodeString(e.Checksum)
	if err != nil || len(want) != 16 {
		return nil, Failf(InvalidArgument, "malformed checksum")
	}

	plain, err := util.DecryptCFB(raw, secret, iv)
	if err != nil {
		return nil, Failf(IntegrityViolation, "payload decryption failed")
	}

	secretHex := hex.EncodeToString(secret)
	got := util.WeakChecksum(plain, secretHex)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		memguard.WipeBytes(plain)
		return nil, Failf(IntegrityViolation, "payload checksum mismatch")
	}
	return plain, nil
}

// Seal is the inverse of Open, used by clients of the transport and by
// the test suite.
func Seal(plain, secret, iv []byte) (*Envelope, error) {
	raw, err := util.EncryptCFB(plain, secret, iv)
	if err != nil {
		return nil, err
	}
	secretHex := hex.EncodeToString(secret)
	hash := sha256.Sum256(secret)
	return &Envelope{
		SecHash:  hex.EncodeToString(hash[:]),
		Salt:     hex.EncodeToString(iv),
		Checksum: hex.EncodeToString(util.WeakChecksum(plain, secretHex)),
		Data:     base64.StdEncoding.EncodeToString(raw),
	}, nil
}
