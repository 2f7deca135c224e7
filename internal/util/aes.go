package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"
)

const (
	AESKeySize = 32
	AESIVSize  = aes.BlockSize
)

// EncryptCFB encrypts plainText with AES-256 in CFB mode. The caller
// supplies the IV; this cipher exists for wire compatibility with
// clients of the legacy transport and must not be used for new designs.
func EncryptCFB(plainText, rawKey, iv []byte) ([]byte, error) {
	block, err := newCFBBlock(rawKey, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plainText))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plainText)
	return out, nil
}

// DecryptCFB reverses EncryptCFB.
func DecryptCFB(cipherText, rawKey, iv []byte) ([]byte, error) {
	block, err := newCFBBlock(rawKey, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherText))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, cipherText)
	return out, nil
}

func newCFBBlock(rawKey, iv []byte) (cipher.Block, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	if len(iv) != AESIVSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), AESIVSize)
	}
	return aes.NewCipher(rawKey)
}

// WeakChecksum is the legacy integrity tag: MD5 over the plaintext
// concatenated with the shared secret's hex form. It is a wire format
// constant, not a security boundary.
func WeakChecksum(plainText []byte, secretHex string) []byte {
	sum := md5.Sum(append(append([]byte(nil), plainText...), secretHex...))
	return sum[:]
}
