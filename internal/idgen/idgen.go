// Package idgen mints assessment and request identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

const (
	Assessment = "asm_"
	Request    = "req_"
)

// New returns prefix followed by 16 random hex characters.
func New(prefix string) string {
	return prefix + random(8)
}

// Sortable returns prefix, 12 hex characters of at in Unix milliseconds,
// then 8 random hex characters. IDs minted in later milliseconds compare
// greater as strings.
func Sortable(prefix string, at time.Time) string {
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(at.UnixMilli()))
	return prefix + hex.EncodeToString(ms[2:]) + random(4)
}

func random(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
