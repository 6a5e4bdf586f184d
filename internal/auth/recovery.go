package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	RecoveryCodeCount = 10
	recoveryCodeBytes = 10
	recoveryGroupLen  = 5
)

var errMalformedHash = errors.New("malformed recovery code hash")

type Argon2Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
	SaltLen   uint32
	KeyLen    uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{MemoryKiB: 64 * 1024, Time: 1, Threads: 4, SaltLen: 16, KeyLen: 32}
}

// RecoveryHasher produces and checks argon2id hashes in the PHC string
// format, so parameters can change without invalidating stored codes.
type RecoveryHasher struct {
	params Argon2Params
}

func NewRecoveryHasher(p Argon2Params) RecoveryHasher {
	d := DefaultArgon2Params()
	if p.MemoryKiB == 0 {
		p.MemoryKiB = d.MemoryKiB
	}
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Threads == 0 {
		p.Threads = d.Threads
	}
	if p.SaltLen == 0 {
		p.SaltLen = d.SaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = d.KeyLen
	}
	return RecoveryHasher{params: p}
}

func (h RecoveryHasher) Hash(code string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(NormalizeRecoveryCode(code)), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h RecoveryHasher) Verify(code, encoded string) bool {
	p, salt, want, err := decodeArgon2Hash(encoded)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(NormalizeRecoveryCode(code)), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Dummy spends the same work as one Verify so a miss on an unknown user
// costs as much as a miss on a real one.
func (h RecoveryHasher) Dummy() {
	salt := make([]byte, h.params.SaltLen)
	_ = argon2.IDKey([]byte("dummy"), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)
}

func decodeArgon2Hash(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	return p, salt, key, nil
}

// GenerateRecoveryCodes returns n fresh codes formatted for display.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	buf := make([]byte, recoveryCodeBytes)
	for i := 0; i < n; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		codes = append(codes, formatRecoveryCode(hex.EncodeToString(buf)))
	}
	return codes, nil
}

func formatRecoveryCode(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%recoveryGroupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeRecoveryCode lowercases and drops separators so "ABCDE-12345"
// and "abcde12345" hash alike.
func NormalizeRecoveryCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(code) {
		switch r {
		case '-', ' ', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
