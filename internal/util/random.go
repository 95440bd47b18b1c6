package util

import (
	"fmt"
	"io"
	"math/big"
)

// SerialBytes is the length of randomly generated certificate serial numbers.
// RFC 5280 caps serials at 20 octets.
const SerialBytes = 16

func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSerial returns a positive, non-zero serial number read from r.
func RandomSerial(r io.Reader) (*big.Int, error) {
	for {
		b, err := RandomBytesFrom(r, SerialBytes)
		if err != nil {
			return nil, err
		}
		b[0] &= 0x7F // keep the DER INTEGER positive
		n := new(big.Int).SetBytes(b)
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
