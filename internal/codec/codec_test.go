package codec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/blenny/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	long := strings.Repeat("x", 64*1024-1)

	tests := []struct {
		name    string
		profile *domain.Profile
	}{
		{
			name:    "all optionals absent",
			profile: &domain.Profile{ID: "user:alice", CreatedAt: 1700000000000, UpdatedAt: 1700000000001},
		},
		{
			name: "all optionals present",
			profile: &domain.Profile{
				ID:          "user:bob",
				Username:    strPtr("bob"),
				DisplayName: strPtr("Bob the Builder"),
				AvatarURL:   strPtr("https://cdn.example.com/a/bob.png"),
				Bio:         strPtr("can we fix it"),
				Website:     strPtr("https://bob.example.com"),
				Metadata:    strPtr(`{"theme":"dark"}`),
				CreatedAt:   1,
				UpdatedAt:   2,
			},
		},
		{
			name: "near maximum length fields",
			profile: &domain.Profile{
				ID:        "user:carol",
				Bio:       strPtr(long),
				Metadata:  strPtr(long),
				CreatedAt: 1755900000000,
				UpdatedAt: 1755900000123,
			},
		},
		{
			name: "multibyte content survives",
			profile: &domain.Profile{
				ID:          "user:dora",
				DisplayName: strPtr("Дора 👋"),
				CreatedAt:   42,
				UpdatedAt:   43,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Encode(tt.profile)
			got, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.profile, got)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	p := &domain.Profile{
		ID:       "user:alice",
		Username: strPtr("alice"),
		Bio:      strPtr("hello"),
	}
	assert.True(t, bytes.Equal(Encode(p), Encode(p)))
}

func TestEncodeBufferShape(t *testing.T) {
	p := &domain.Profile{
		ID:        "ab",
		Username:  strPtr("cde"),
		CreatedAt: 100,
		UpdatedAt: 200,
	}
	buf := Encode(p)

	require.Len(t, buf, HeaderSize+5)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[4:]))
	for i := 2; i < numFields; i++ {
		assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[i*4:]))
	}
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(buf[numFields*4:]))
	assert.Equal(t, uint64(200), binary.LittleEndian.Uint64(buf[numFields*4+8:]))
	assert.Equal(t, "abcde", string(buf[HeaderSize:]))
}

func TestDecodeAbsentIsNotEmptyString(t *testing.T) {
	p := &domain.Profile{ID: "user:eve"}
	got, err := Decode(Encode(p))
	require.NoError(t, err)
	assert.Nil(t, got.Username)
	assert.Nil(t, got.Metadata)
}

func TestEncodeNormalizesEmptyToAbsent(t *testing.T) {
	p := &domain.Profile{ID: "user:eve", Bio: strPtr("")}
	got, err := Decode(Encode(p))
	require.NoError(t, err)
	assert.Nil(t, got.Bio)
}

func TestDecodeMalformed(t *testing.T) {
	t.Run("first length overruns buffer", func(t *testing.T) {
		buf := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(buf[0:], 16)

		_, err := Decode(buf)
		assert.ErrorIs(t, err, domain.ErrMalformedBuffer)
	})

	t.Run("buffer shorter than header", func(t *testing.T) {
		_, err := Decode(make([]byte, HeaderSize-1))
		assert.ErrorIs(t, err, domain.ErrMalformedBuffer)
	})

	t.Run("trailing bytes not covered by lengths", func(t *testing.T) {
		buf := Encode(&domain.Profile{ID: "user:eve"})
		buf = append(buf, 'x')

		_, err := Decode(buf)
		assert.ErrorIs(t, err, domain.ErrMalformedBuffer)
	})

	t.Run("lengths overflow does not wrap", func(t *testing.T) {
		buf := make([]byte, HeaderSize)
		for i := 0; i < numFields; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], 0xFFFFFFFF)
		}

		_, err := Decode(buf)
		assert.ErrorIs(t, err, domain.ErrMalformedBuffer)
	})
}
