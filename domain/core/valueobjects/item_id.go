package valueobjects

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// ItemID is a value object holding the opaque 12-byte identifier of an item.
// The first four bytes carry the creation time in unix seconds, the remaining
// eight are random, so ids are generated locally without a store round-trip
// and still sort roughly by creation time.
type ItemID [12]byte

// NewItemID creates a new random ItemID
func NewItemID() ItemID {
	return NewItemIDAt(time.Now())
}

// NewItemIDAt creates a new ItemID carrying the given creation time
func NewItemIDAt(t time.Time) ItemID {
	var id ItemID
	binary.BigEndian.PutUint32(id[:4], uint32(t.Unix()))
	if _, err := rand.Read(id[4:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return id
}

// ParseItemID creates an ItemID from its 24-character hex form
func ParseItemID(s string) (ItemID, error) {
	var id ItemID
	if len(s) != 24 {
		return id, errors.New("item ID must be 24 hex characters")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.New("item ID must be valid hex")
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the canonical 24-character hex encoding
func (id ItemID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns the string representation of the ItemID
func (id ItemID) String() string {
	return id.Hex()
}

// Timestamp returns the creation time embedded in the ItemID
func (id ItemID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[:4])), 0)
}

// IsZero checks if the ItemID is the zero value
func (id ItemID) IsZero() bool {
	return id == ItemID{}
}

// MarshalJSON implements json.Marshaler
func (id ItemID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.Hex() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ItemID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("ItemID must be a string")
	}
	parsed, err := ParseItemID(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
