package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// PasswordRecord is a salted argon2id verifier. The plaintext password is
// never stored.
type PasswordRecord struct {
	Salt   []byte         `json:"salt"`
	Key    []byte         `json:"key"`
	Params Argon2idParams `json:"params"`
}

func HashPassword(password string) (PasswordRecord, error) {
	salt, err := RandomBytes(16)
	if err != nil {
		return PasswordRecord{}, fmt.Errorf("generating password salt: %w", err)
	}
	params := DefaultArgon2idParams()
	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return PasswordRecord{Salt: salt, Key: key, Params: params}, nil
}

func VerifyPassword(password string, record PasswordRecord) bool {
	if len(record.Key) == 0 || record.Params.KeyLen == 0 {
		return false
	}
	key := argon2.IDKey([]byte(password), record.Salt, record.Params.Time, record.Params.MemoryKiB, record.Params.Parallelism, record.Params.KeyLen)
	return subtle.ConstantTimeCompare(key, record.Key) == 1
}
