package shared

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/thfabian/bifrost/internal/arena"
)

// Tag identifies the type of a stored value.
type Tag uint8

const (
	TagUnknown Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagBytes
)

func (t Tag) String() string {
	switch t {
	case TagBool:
		return "bool"
	case TagInt:
		return "int"
	case TagFloat:
		return "float"
	case TagString:
		return "string"
	case TagBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value slot: 52 bytes inside every store entry. Strings and byte blobs up
// to InlineMax bytes are stored inline as [len u8][data]; anything longer
// lives in a separate arena allocation referenced as [off u64][len u64].
const (
	slotSize = 52

	// InlineMax is the longest string/blob kept inline in the value slot.
	InlineMax = slotSize - 1
)

// ConversionError reports a typed read whose value cannot be converted.
type ConversionError struct {
	Key  string
	From Tag
	To   string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("key %q: cannot convert %s value to %s", e.Key, e.From, e.To)
}

// KeyNotFoundError reports a read or remove of an absent key.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q does not exist", e.Key)
}

func encodeBool(slot []byte, v bool) {
	if v {
		slot[0] = 1
	} else {
		slot[0] = 0
	}
}

func encodeInt(slot []byte, v int32) {
	binary.LittleEndian.PutUint32(slot, uint32(v))
}

func encodeFloat(slot []byte, v float64) {
	binary.LittleEndian.PutUint64(slot, math.Float64bits(v))
}

// externalMark in the first slot byte flags a blob whose payload lives in a
// separate arena allocation: [mark u8][pad 3][off u64][len u64].
const externalMark = 0xff

// encodeBlob stores data inline when it fits, otherwise in a fresh arena
// allocation referenced from the slot.
func encodeBlob(a *arena.Arena, slot, data []byte) error {
	if len(data) <= InlineMax {
		slot[0] = byte(len(data))
		copy(slot[1:], data)
		return nil
	}

	off, err := a.Allocate(uint64(len(data)))
	if err != nil {
		return err
	}
	copy(a.Bytes(off, uint64(len(data))), data)
	slot[0] = externalMark
	binary.LittleEndian.PutUint64(slot[4:], uint64(off))
	binary.LittleEndian.PutUint64(slot[12:], uint64(len(data)))
	return nil
}

func decodeBool(slot []byte) bool     { return slot[0] != 0 }
func decodeInt(slot []byte) int32     { return int32(binary.LittleEndian.Uint32(slot)) }
func decodeFloat(slot []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(slot)) }

// decodeBlob returns a view of the stored bytes. For external blobs the view
// aliases arena memory and is only valid until the next write to the key.
func decodeBlob(a *arena.Arena, slot []byte) []byte {
	if slot[0] != externalMark {
		return slot[1 : 1+int(slot[0])]
	}
	off := arena.Offset(binary.LittleEndian.Uint64(slot[4:]))
	n := binary.LittleEndian.Uint64(slot[12:])
	return a.Bytes(off, n)
}

// freeBlob releases the external allocation of a blob slot, if any.
func freeBlob(a *arena.Arena, slot []byte) {
	if slot[0] == externalMark {
		a.Free(arena.Offset(binary.LittleEndian.Uint64(slot[4:])))
	}
}

func blobToString(a *arena.Arena, slot []byte) string {
	return string(decodeBlob(a, slot))
}

func parseBoolString(s string) (bool, error) {
	switch s {
	case "1", "true", "True", "TRUE":
		return true, nil
	case "0", "false", "False", "FALSE":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
