package database

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HashLength is the number of bytes in a hash.
const HashLength = 32

// Hash represents a 32 byte sha256 value used to identify blocks and
// transactions. It is rendered as a 0x prefixed hex string.
type Hash [HashLength]byte

// ZeroHash represents a hash code of zeros.
var ZeroHash Hash

// ToHash converts a hex-encoded string into a hash.
func ToHash(s string) (Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decoding hash %q: %w", s, err)
	}

	if len(b) != HashLength {
		return Hash{}, errors.New("invalid hash length")
	}

	var h Hash
	copy(h[:], b)

	return h, nil
}

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hexutil.Encode(h[:])
}

// IsZero reports whether the hash is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements the encoding.TextMarshaler interface.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (h *Hash) UnmarshalText(text []byte) error {
	v, err := ToHash(string(text))
	if err != nil {
		return err
	}

	*h = v
	return nil
}
