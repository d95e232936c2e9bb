package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	ErrInvalidKey    = errors.New("sealing key must be 32 bytes hex encoded")
	ErrInvalidSealed = errors.New("sealed value is corrupt or was sealed with another key")
)

// Sealer encrypts bank identifiers at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

func NewSealer(keyHex string) (*Sealer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal returns nonce||box.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrInvalidSealed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrInvalidSealed
	}
	return string(out), nil
}

// Fingerprint is a keyed hash of the normalized value, stable across seals,
// used to detect duplicate destinations without decrypting.
func (s *Sealer) Fingerprint(value string) string {
	mac := hmac.New(sha256.New, s.key[:])
	mac.Write([]byte(NormalizeIBAN(value)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeIBAN strips whitespace and upper-cases.
func NormalizeIBAN(iban string) string {
	var b strings.Builder
	for _, r := range iban {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// MaskIBAN keeps the first four and last four characters, e.g. DE89***3000.
func MaskIBAN(iban string) string {
	n := NormalizeIBAN(iban)
	if len(n) <= 8 {
		return "***"
	}
	return n[:4] + "***" + n[len(n)-4:]
}

// ValidIBAN runs the ISO 13616 mod-97 check.
func ValidIBAN(iban string) bool {
	n := NormalizeIBAN(iban)
	if len(n) < 15 || len(n) > 34 {
		return false
	}
	rearranged := n[4:] + n[:4]
	remainder := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			remainder = (remainder*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}
