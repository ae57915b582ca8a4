// Package codec implements the 89-symbol two-digit numeric alphabet that the
// cloud-socket wire format uses to carry arbitrary text inside a decimal
// cloud-variable value.
//
// Grounded on scratchcommunication/cloud_socket.py's _encode/_decode pair and
// the char_to_idx table it builds from the same alphabet/special_characters
// split used by security.py's symmetric cipher.
package codec

import (
	"strconv"
	"strings"
)

// chars is the 89-symbol alphabet: uppercase, lowercase, then a fixed set of
// punctuation/symbol characters. Index 0 corresponds to the 2-digit code
// "01" (encoding is 1-based, per spec.md §4.1).
var chars = buildAlphabet()

func buildAlphabet() []rune {
	const (
		lower   = "abcdefghijklmnopqrstuvwxyz"
		special = " .,-:;_'#!\"$%&/()=?{[]}\\0123456789<>*"
	)
	var out []rune
	out = append(out, []rune(strings.ToUpper(lower))...)
	out = append(out, []rune(lower)...)
	out = append(out, []rune(special)...)
	return out[:89]
}

var charToCode = buildCharToCode()

func buildCharToCode() map[rune]string {
	m := make(map[rune]string, len(chars))
	for i, c := range chars {
		m[c] = fmt2digit(i + 1)
	}
	return m
}

func fmt2digit(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// Alphabet returns the 89-symbol table, in index order. The symmetric
// cipher (pkg/cipher) substitutes characters within this same table rather
// than re-deriving it, so the two packages never drift apart.
func Alphabet() []rune {
	return chars
}

// IndexOf returns r's position in Alphabet, or false if r isn't one of the
// 89 symbols.
func IndexOf(r rune) (int, bool) {
	code, ok := charToCode[r]
	if !ok {
		return 0, false
	}
	n, _ := strconv.Atoi(code)
	return n - 1, true
}

// Encode converts arbitrary text into the codec's numeric alphabet, prefixed
// with a leading "1" as the wire format's framing expects (spec.md §3,
// "Codec alphabet"). Characters outside the alphabet encode as "?".
func Encode(s string) string {
	var b strings.Builder
	b.WriteByte('1')
	for _, r := range s {
		code, ok := charToCode[r]
		if !ok {
			code = charToCode['?']
		}
		b.WriteString(code)
	}
	return b.String()
}

// Decode reverses Encode. The leading "1" that Encode always prepends is
// dropped first, then the remaining digits are consumed two at a time, left
// to right; any pair whose value falls outside the alphabet is skipped (not
// fatal), matching the original's warnings.warn-and-continue behavior.
func Decode(digits string) string {
	if len(digits) == 0 {
		return ""
	}
	return DecodeDigits(digits[1:])
}

// DecodeDigits is Decode's raw pairing primitive, without the leading-marker
// strip: it consumes digits two at a time, left to right, starting at
// position 0. pkg/framing uses this directly on substrings carved out of a
// larger framed packet (e.g. "is this prefix the literal text
// \"_safe_connect:\"?"), which were never themselves a complete Encode()
// output and so carry no leading marker to strip.
func DecodeDigits(digits string) string {
	var b strings.Builder
	for i := 0; i+1 < len(digits); i += 2 {
		n, err := strconv.Atoi(digits[i : i+2])
		if err != nil {
			continue
		}
		idx := n - 1
		if idx < 0 || idx >= len(chars) {
			continue
		}
		b.WriteRune(chars[idx])
	}
	return b.String()
}
