package registration

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var errSealedValue = errors.New("sealed value is malformed")

// sealer encrypts claim values that must not be readable by the client,
// such as the chosen password, while they travel inside step tokens.
type sealer struct {
	key [32]byte
}

func newSealer(secret []byte) (*sealer, error) {
	s := &sealer{}
	r := hkdf.New(sha256.New, secret, nil, []byte("registration claim sealing"))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return s, nil
}

func (s *sealer) seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *sealer) open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", errSealedValue
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errSealedValue
	}
	return string(plain), nil
}
