// Package codec implements the fixed-layout binary encoding used to move
// profile records across execution-context boundaries without structured
// serialization overhead.
//
// Layout, little-endian, fixed field order:
//
//	7 x uint32  length of each variable-length field, in canonical order:
//	            id, username, display_name, avatar_url, bio, website, metadata
//	2 x uint64  created-at, updated-at (milliseconds since epoch)
//	N  bytes    the concatenated raw bytes of each field, same order
//
// An absent optional field is encoded as length 0 and contributes no bytes;
// consequently a present-but-empty string is not representable and is
// normalized to absent on encode. The layout carries no version tag: it is
// the compatibility contract and must not change shape.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/nfrund/blenny/internal/domain"
)

const (
	numFields = 7

	// HeaderSize is the fixed byte count before the field data starts.
	HeaderSize = numFields*4 + 2*8
)

// Encode serializes a profile into its binary form. Encoding is
// deterministic: the same record always yields byte-identical output.
func Encode(p *domain.Profile) []byte {
	fields := fieldBytes(p)

	size := HeaderSize
	for _, f := range fields {
		size += len(f)
	}

	buf := make([]byte, HeaderSize, size)
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(len(f)))
	}
	binary.LittleEndian.PutUint64(buf[numFields*4:], p.CreatedAt)
	binary.LittleEndian.PutUint64(buf[numFields*4+8:], p.UpdatedAt)

	for _, f := range fields {
		buf = append(buf, f...)
	}
	return buf
}

// Decode reconstructs a profile from a buffer produced by Encode, or from
// any buffer whose declared field lengths sum to exactly the bytes that
// follow the header. Anything else fails with domain.ErrMalformedBuffer.
func Decode(buf []byte) (*domain.Profile, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header",
			domain.ErrMalformedBuffer, len(buf), HeaderSize)
	}

	var lengths [numFields]uint32
	var total uint64
	for i := range lengths {
		lengths[i] = binary.LittleEndian.Uint32(buf[i*4:])
		total += uint64(lengths[i])
	}
	if total != uint64(len(buf)-HeaderSize) {
		return nil, fmt.Errorf("%w: declared field lengths sum to %d, buffer holds %d",
			domain.ErrMalformedBuffer, total, len(buf)-HeaderSize)
	}

	p := &domain.Profile{
		CreatedAt: binary.LittleEndian.Uint64(buf[numFields*4:]),
		UpdatedAt: binary.LittleEndian.Uint64(buf[numFields*4+8:]),
	}

	offset := HeaderSize
	next := func(n uint32) string {
		s := string(buf[offset : offset+int(n)])
		offset += int(n)
		return s
	}

	p.ID = next(lengths[0])
	p.Username = optional(next(lengths[1]))
	p.DisplayName = optional(next(lengths[2]))
	p.AvatarURL = optional(next(lengths[3]))
	p.Bio = optional(next(lengths[4]))
	p.Website = optional(next(lengths[5]))
	p.Metadata = optional(next(lengths[6]))
	return p, nil
}

// fieldBytes gathers the variable-length fields in canonical order.
func fieldBytes(p *domain.Profile) [numFields][]byte {
	return [numFields][]byte{
		[]byte(p.ID),
		optBytes(p.Username),
		optBytes(p.DisplayName),
		optBytes(p.AvatarURL),
		optBytes(p.Bio),
		optBytes(p.Website),
		optBytes(p.Metadata),
	}
}

func optBytes(s *string) []byte {
	if s == nil || *s == "" {
		return nil
	}
	return []byte(*s)
}

// optional maps a zero-length field back to absent, never to "".
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
