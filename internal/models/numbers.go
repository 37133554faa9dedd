package models

import (
	"crypto/rand"
	"math/big"
	"time"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewOrderNumber returns ORD-YYYYMMDD-XXXXXX.
func NewOrderNumber(now time.Time) (string, error) {
	suffix, err := randomReference(6)
	if err != nil {
		return "", err
	}
	return "ORD-" + now.UTC().Format("20060102") + "-" + suffix, nil
}

// NewTransactionID returns TXN-YYYYMMDDHHMMSS-XXXXXXXX.
func NewTransactionID(now time.Time) (string, error) {
	suffix, err := randomReference(8)
	if err != nil {
		return "", err
	}
	return "TXN-" + now.UTC().Format("20060102150405") + "-" + suffix, nil
}

func randomReference(length int) (string, error) {
	limit := big.NewInt(int64(len(referenceAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = referenceAlphabet[n.Int64()]
	}
	return string(out), nil
}
