package escrow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a delivery sealing key.
const KeySize = chacha20poly1305.KeySize

// sealVersion prefixes every sealed proof and is authenticated with it.
const sealVersion byte = 0x01

var ErrSealedProof = errors.New("escrow: sealed proof is corrupt or bound to another escrow")

// Sealer encrypts delivery proofs (account credentials) at rest. Sealed form:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The escrow id is authenticated as additional data, so a proof copied onto
// another escrow fails to open.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("escrow: sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a hex or base64 key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("escrow: sealing key must be %d bytes in hex or base64", KeySize)
}

func (s *Sealer) Seal(escrowID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("escrow: cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("escrow: nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, aad(escrowID)), nil
}

func (s *Sealer) Open(escrowID string, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || sealed[0] != sealVersion {
		return nil, ErrSealedProof
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("escrow: cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(escrowID))
	if err != nil {
		return nil, ErrSealedProof
	}
	return plain, nil
}

func aad(escrowID string) []byte {
	return append([]byte{sealVersion}, escrowID...)
}
