package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, SaltSize)

	k1, err := DeriveKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}
	k2, err := DeriveKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}

	if len(k1) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same password and salt produced different keys")
	}
}

func TestDeriveKeyWithIterations_SaltAndPasswordSensitivity(t *testing.T) {
	saltA := bytes.Repeat([]byte{0x01}, SaltSize)
	saltB := bytes.Repeat([]byte{0x02}, SaltSize)

	base, err := DeriveKeyWithIterations([]byte("password"), saltA, 1000)
	if err != nil {
		t.Fatalf("DeriveKeyWithIterations() error: %v", err)
	}

	otherSalt, _ := DeriveKeyWithIterations([]byte("password"), saltB, 1000)
	if bytes.Equal(base, otherSalt) {
		t.Error("different salts produced the same key")
	}

	otherPassword, _ := DeriveKeyWithIterations([]byte("Password"), saltA, 1000)
	if bytes.Equal(base, otherPassword) {
		t.Error("different passwords produced the same key")
	}

	otherIterations, _ := DeriveKeyWithIterations([]byte("password"), saltA, 1001)
	if bytes.Equal(base, otherIterations) {
		t.Error("different iteration counts produced the same key")
	}
}

func TestDeriveKeyWithIterations_InvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		salt       []byte
		iterations int
		wantErr    error
	}{
		{name: "empty salt", salt: nil, iterations: 1000, wantErr: ErrInvalidSaltSize},
		{name: "short salt", salt: make([]byte, SaltSize-1), iterations: 1000, wantErr: ErrInvalidSaltSize},
		{name: "long salt", salt: make([]byte, SaltSize+1), iterations: 1000, wantErr: ErrInvalidSaltSize},
		{name: "zero iterations", salt: make([]byte, SaltSize), iterations: 0, wantErr: ErrInvalidIterations},
		{name: "negative iterations", salt: make([]byte, SaltSize), iterations: -5, wantErr: ErrInvalidIterations},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKeyWithIterations([]byte("password"), tt.salt, tt.iterations)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if key != nil {
				t.Fatal("expected nil key on error")
			}
		})
	}
}

func TestDeriveKey_UnicodePassword(t *testing.T) {
	salt := make([]byte, SaltSize)

	k1, err := DeriveKeyWithIterations([]byte("pässwörd 🔑"), salt, 1000)
	if err != nil {
		t.Fatalf("DeriveKeyWithIterations() error: %v", err)
	}
	k2, _ := DeriveKeyWithIterations([]byte("passwörd 🔑"), salt, 1000)
	if bytes.Equal(k1, k2) {
		t.Fatal("passwords differing in one code point produced the same key")
	}
}
