package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PIN hashing uses argon2id. Memory is lower than for admin passwords because
// token issue is rate limited and PINs are checked on every app login.
var pinParams = argon2Params{
	memory:  32 * 1024,
	time:    3,
	threads: 2,
}

const (
	pinKeyLen  = 32
	pinSaltLen = 16
)

var pinRe = regexp.MustCompile(`^\d{4,12}$`)

// ErrInvalidPIN is returned for PINs that are not 4 to 12 digits.
var ErrInvalidPIN = errors.New("pin must be 4 to 12 digits")

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
}

// HashPIN returns the encoded argon2id hash of pin:
//
//	$argon2id$v=19$m=32768,t=3,p=2$<salt>$<hash>
func HashPIN(pin string) (string, error) {
	if !pinRe.MatchString(pin) {
		return "", ErrInvalidPIN
	}
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := pinParams
	key := argon2.IDKey([]byte(pin), salt, p.time, p.memory, p.threads, pinKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// CheckPIN reports whether pin matches the encoded hash. An empty hash never
// matches, so extensions without a PIN cannot log in.
func CheckPIN(pin, encoded string) (bool, error) {
	if encoded == "" {
		return false, nil
	}
	salt, want, p, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(pin), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (salt, hash []byte, p argon2Params, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, nil, p, fmt.Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return nil, nil, p, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, p, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, p, fmt.Errorf("unsupported argon2 version: %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, nil, p, fmt.Errorf("parsing parameters: %w", err)
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, p, fmt.Errorf("decoding salt: %w", err)
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, p, fmt.Errorf("decoding hash: %w", err)
	}
	return salt, hash, p, nil
}
