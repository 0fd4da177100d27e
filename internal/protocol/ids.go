package protocol

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const (
	TransactionIDLength = 16
	idAlphabet          = "0123456789abcdefghijklmnopqrstuvwxyz"
	// largest multiple of len(idAlphabet) below 256, bytes at or above it
	// are rejected to keep the distribution uniform
	idByteLimit = 252
)

// NewTransactionID returns a random 16 character base-36 correlation id
// (about 82 bits of entropy).
func NewTransactionID() string {
	id := make([]byte, 0, TransactionIDLength)
	buf := make([]byte, TransactionIDLength*2)
	for len(id) < TransactionIDLength {
		if _, err := rand.Read(buf); err != nil {
			panic("protocol: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if b >= idByteLimit {
				continue
			}
			id = append(id, idAlphabet[int(b)%len(idAlphabet)])
			if len(id) == TransactionIDLength {
				break
			}
		}
	}
	return string(id)
}

func NewWorkerID() string {
	return uuid.NewString()
}
