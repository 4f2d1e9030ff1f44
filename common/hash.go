package common

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const HashLength = 32

// Hash is a BLAKE2b-256 digest.
type Hash [HashLength]byte

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText encodes the hash as a 0x-prefixed hex string so JSON snapshots
// stay readable.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(input []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(input), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hash %q: %w", input, err)
	}
	if len(b) != HashLength {
		return fmt.Errorf("hash %q: want %d bytes, got %d", input, HashLength, len(b))
	}
	copy(h[:], b)
	return nil
}

func Blake2Hash(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

func Uint32ToBytes(val uint32) []byte {
	bytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bytes, val)
	return bytes
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}
