package photostore

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MarshalPhoto encodes a record for storage.
func MarshalPhoto(photo StoredPhoto) ([]byte, error) {
	data, err := cbor.Marshal(photo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode photo %s: %w", photo.ID, err)
	}
	return data, nil
}

// UnmarshalPhoto decodes a stored record. The result does not alias data.
func UnmarshalPhoto(data []byte) (StoredPhoto, error) {
	var photo StoredPhoto
	if err := cbor.Unmarshal(data, &photo); err != nil {
		return StoredPhoto{}, fmt.Errorf("failed to decode photo: %w", err)
	}
	return photo, nil
}

// TimestampKey encodes ts so that byte order matches numeric order, negative values included.
func TimestampKey(ts int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts)^(1<<63))
	return key
}

// IndexKey is the timestamp index entry for a record: TimestampKey followed by the id.
func IndexKey(ts int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(ts)^(1<<63))
	copy(key[8:], id)
	return key
}

// ParseIndexKey splits an index entry back into timestamp and id.
func ParseIndexKey(key []byte) (ts int64, id string, ok bool) {
	if len(key) < 8 {
		return 0, "", false
	}
	ts = int64(binary.BigEndian.Uint64(key[:8]) ^ (1 << 63))
	return ts, string(key[8:]), true
}
