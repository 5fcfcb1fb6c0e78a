// Package credentials issues the per-session attendance credentials.
package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
)

// Generator produces the OTP and QR token for a new session.
type Generator interface {
	Issue() (otp, qrToken string, err error)
}

// RandomGenerator draws both credentials from crypto/rand. The OTP is a
// uniform 4-digit code in [1000, 9999] meant for verbal entry; the QR token
// carries 128 bits of entropy, hex-encoded.
type RandomGenerator struct{}

func NewGenerator() RandomGenerator {
	return RandomGenerator{}
}

func (RandomGenerator) Issue() (string, string, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", "", err
	}
	otp := strconv.FormatInt(1000+value.Int64(), 10)

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	return otp, hex.EncodeToString(buf), nil
}
