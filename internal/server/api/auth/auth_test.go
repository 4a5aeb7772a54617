package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/internal/server/api/auth"
)

func TestGenerateKey(t *testing.T) {
	seen := map[string]bool{}
	for range 32 {
		key, err := auth.GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)
		seen[key] = true
	}
	assert.Len(t, seen, 32, "generated keys repeat")
}

func BenchmarkDeriveKey(b *testing.B) {
	for b.Loop() {
		if _, err := auth.DeriveKey("hunter2"); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		password string
		want     []byte
		err      error
	}{
		{
			password: "password123",
			want:     []byte{0x24, 0x2e, 0x0e, 0x48, 0xda, 0xb7, 0x08, 0x0d, 0x2d, 0x1d, 0x40, 0x26, 0x88, 0x98, 0x0a, 0x5e, 0x01, 0x43, 0xb0, 0x45, 0x12, 0xc9, 0x23, 0x39, 0xba, 0x97, 0x67, 0x02, 0xd3, 0x46, 0xe1, 0xb2},
		},
		{
			password: "1",
			want:     []byte{0x20, 0xe3, 0x0a, 0x8a, 0x15, 0xa6, 0x85, 0x9e, 0x2c, 0x88, 0x34, 0xb6, 0xec, 0xd5, 0xc3, 0xc6, 0xb0, 0xd6, 0x82, 0xd7, 0x59, 0xf1, 0x64, 0x2b, 0x16, 0x72, 0x17, 0x81, 0xd5, 0xc5, 0xeb, 0x53},
		},
		{
			password: "hunter2",
			want:     []byte{0xb8, 0x5d, 0x16, 0xd6, 0x0f, 0x5d, 0x1b, 0x37, 0xeb, 0x3a, 0xd1, 0xa5, 0xcb, 0x48, 0x2b, 0x15, 0x0b, 0x64, 0x8c, 0x5c, 0xfd, 0xab, 0x4f, 0x70, 0x43, 0x5f, 0x7e, 0xc7, 0xaa, 0x6d, 0xcf, 0xa6},
		},
		{password: "", err: auth.ErrEmptyPassword},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			key, err := auth.DeriveKey(tt.password)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)
	server := make([]byte, auth.NonceSize)
	client := make([]byte, auth.NonceSize)
	for i := range server {
		server[i] = byte(i)
		client[i] = byte(0xff - i)
	}

	session := auth.DeriveSessionKey(key, server, client)
	assert.Len(t, session, 32)
	assert.NotEqual(t, key, session)
	assert.Equal(t, session, auth.DeriveSessionKey(key, server, client))
	assert.NotEqual(t, session, auth.DeriveSessionKey(key, client, server), "nonce order must matter")

	client[31] ^= 1
	assert.NotEqual(t, session, auth.DeriveSessionKey(key, server, client))
}
