// Package shortid generates compact random identifiers for user flows and
// client keys.
package shortid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Len is the length of generated identifiers.
const Len = 6

// New returns a 6-character base-62 identifier derived from a random UUID.
// Each character folds two bytes of UUID entropy, so the first twelve bytes
// contribute.
func New() string {
	u := uuid.New()
	id := make([]byte, Len)
	for i := 0; i < Len; i++ {
		x := binary.BigEndian.Uint16(u[i*2 : i*2+2])
		id[i] = alphabet[x%62]
	}
	return string(id)
}
