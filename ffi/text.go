package ffi

import (
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
)

// DecodeText copies length bytes at ptr out of guest memory. Invalid UTF-8
// is an error, never replaced.
func DecodeText(mem api.Memory, ptr, length uint32) (string, error) {
	if mem == nil {
		return "", errors.NotInitialized(errors.PhaseDecode, "memory")
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return "", errors.OutOfBounds(errors.PhaseDecode, "text-decode", ptr, length)
	}
	if !utf8.Valid(buf) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, "text-decode", buf)
	}
	return string(buf), nil
}

// EncodeText writes as much of s into the capacity bytes at ptr as fits
// without splitting a character, and returns the number of bytes written.
func EncodeText(mem api.Memory, s string, ptr, capacity uint32) (uint32, error) {
	if mem == nil {
		return 0, errors.NotInitialized(errors.PhaseEncode, "memory")
	}
	if _, ok := mem.Read(ptr, capacity); !ok {
		return 0, errors.OutOfBounds(errors.PhaseEncode, "text-encode", ptr, capacity)
	}
	n := fitUTF8(s, capacity)
	if n == 0 {
		return 0, nil
	}
	if !mem.WriteString(ptr, s[:n]) {
		return 0, errors.OutOfBounds(errors.PhaseEncode, "text-encode", ptr, uint32(n))
	}
	return uint32(n), nil
}

// fitUTF8 returns the longest prefix length of s within limit bytes that
// ends on a character boundary.
func fitUTF8(s string, limit uint32) int {
	if uint64(len(s)) <= uint64(limit) {
		return len(s)
	}
	n := int(limit)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// text returns the string stored under h.
func (b *Bridge) text(op string, h int32) (string, error) {
	v, err := b.Value(h)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.TypeMismatch(errors.PhaseHost, op, h, "string", v)
	}
	return s, nil
}
