package util

import (
	"crypto/rand"

	"github.com/google/uuid"
)

func NewID() string {
	return uuid.NewString()
}

// Session codes skip 0/O/1/I so they stay readable when shared out of band.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewSessionCode returns a short human-shareable code, always uppercase.
func NewSessionCode(length int) string {
	if length <= 0 {
		length = 6
	}
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	code := make([]byte, length)
	for i, b := range bytes {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code)
}
