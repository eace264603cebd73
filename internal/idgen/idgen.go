// Package idgen generates time-sortable lexicographic ids.
//
// Ids are a fixed-width base36 millisecond timestamp followed by base36
// random bits, so `ORDER BY id` equals `ORDER BY created_at` for
// zos-generated rows. External ids (messages, users, channels) are never
// produced here; they are preserved verbatim.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const (
	// timeWidth of 9 base36 digits covers millisecond timestamps until
	// the year 5138.
	timeWidth   = 9
	randomWidth = 7
)

// New returns a fresh time-sortable id using the current clock.
func New() string {
	return At(time.Now())
}

// At returns a time-sortable id for the given instant. Two ids generated for
// the same millisecond sort arbitrarily relative to each other but never
// collide (7 base36 digits of randomness).
func At(t time.Time) string {
	var b strings.Builder
	b.Grow(timeWidth + randomWidth)
	b.WriteString(encodeBase36(big.NewInt(t.UnixMilli()), timeWidth))
	b.WriteString(randomBase36(randomWidth))
	return b.String()
}

// encodeBase36 converts a non-negative integer to a fixed-width base36
// string, zero-padded on the left.
func encodeBase36(num *big.Int, width int) string {
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)
	n := new(big.Int).Set(num)

	chars := make([]byte, 0, width)
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}
	s := b.String()
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	if len(s) > width {
		s = s[len(s)-width:]
	}
	return s
}

// randomBase36 returns width cryptographically random base36 characters.
func randomBase36(width int) string {
	buf := make([]byte, width)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the clock so id generation cannot block writes.
		nano := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(nano >> (uint(i) * 8))
		}
	}
	out := make([]byte, width)
	for i, c := range buf {
		out[i] = base36Alphabet[int(c)%36]
	}
	return string(out)
}
