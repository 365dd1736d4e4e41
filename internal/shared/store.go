package shared

import (
	"sort"
	"strconv"
	"strings"

	"github.com/thfabian/bifrost/internal/arena"
)

// Store header and entry layout. Entries hang off a fixed bucket array in
// singly linked chains; every link is an arena offset.
const (
	storeLockOff    = 0
	storeCountOff   = 8
	storeBucketsOff = 16
	storeBucketNOff = 24
	storeHdrSize    = 32

	bucketCount = 64

	entryNextOff   = 0
	entryKeyOff    = 8
	entryKeyLenOff = 16
	entryTagOff    = 24
	entrySlotOff   = 32
	entrySize      = entrySlotOff + slotSize
)

// Store is the shared key/value store. Keys are textual paths such as
// "bfl.plugin.0.name"; values are tagged. Writes replace the previous
// value and free any external storage it held.
type Store struct {
	a   *arena.Arena
	off arena.Offset
}

func newStore(a *arena.Arena) (*Store, error) {
	off, err := a.Allocate(storeHdrSize)
	if err != nil {
		return nil, err
	}
	buckets, err := a.Allocate(bucketCount * 8)
	if err != nil {
		a.Free(off)
		return nil, err
	}
	for i := 0; i < bucketCount; i++ {
		a.WriteU64(buckets+arena.Offset(i*8), uint64(arena.Null))
	}

	a.WriteU32(off+storeLockOff, 0)
	a.WriteU32(off+storeCountOff, 0)
	a.WriteU64(off+storeBucketsOff, uint64(buckets))
	a.WriteU64(off+storeBucketNOff, bucketCount)
	return &Store{a: a, off: off}, nil
}

func (s *Store) lock() arena.SpinLock {
	return s.a.SpinLockAt(s.off + storeLockOff)
}

func (s *Store) buckets() arena.Offset {
	return arena.Offset(s.a.ReadU64(s.off + storeBucketsOff))
}

func (s *Store) bucketFor(key string) arena.Offset {
	n := s.a.ReadU64(s.off + storeBucketNOff)
	return s.buckets() + arena.Offset((fnv1a(key)%n)*8)
}

func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func (s *Store) entryKey(e arena.Offset) string {
	keyOff := arena.Offset(s.a.ReadU64(e + entryKeyOff))
	keyLen := s.a.ReadU64(e + entryKeyLenOff)
	return string(s.a.Bytes(keyOff, keyLen))
}

func (s *Store) entrySlot(e arena.Offset) []byte {
	return s.a.Bytes(e+entrySlotOff, slotSize)
}

func (s *Store) entryTag(e arena.Offset) Tag {
	return Tag(s.a.Bytes(e+entryTagOff, 1)[0])
}

// find walks the chain of key's bucket. Caller holds the store lock.
func (s *Store) find(key string) arena.Offset {
	for e := arena.Offset(s.a.ReadU64(s.bucketFor(key))); e != arena.Null; e = arena.Offset(s.a.ReadU64(e + entryNextOff)) {
		if s.entryKey(e) == key {
			return e
		}
	}
	return arena.Null
}

// set writes a value, replacing and freeing any previous one under the same
// key. fill encodes the new value into the cleared slot; it may allocate.
func (s *Store) set(key string, tag Tag, fill func(slot []byte) error) error {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	e := s.find(key)
	if e == arena.Null {
		var err error
		if e, err = s.insert(key); err != nil {
			return err
		}
	} else if s.entryTag(e) == TagString || s.entryTag(e) == TagBytes {
		freeBlob(s.a, s.entrySlot(e))
	}

	slot := s.entrySlot(e)
	clear(slot)
	if err := fill(slot); err != nil {
		// Leave the entry in place but typeless; a failed write must not
		// expose the previous (already freed) value.
		s.a.Bytes(e+entryTagOff, 1)[0] = byte(TagUnknown)
		return err
	}
	s.a.Bytes(e+entryTagOff, 1)[0] = byte(tag)
	return nil
}

// insert allocates a fresh entry for key and links it at its bucket head.
// Caller holds the store lock.
func (s *Store) insert(key string) (arena.Offset, error) {
	keyOff, err := s.a.Allocate(uint64(len(key)))
	if err != nil {
		return arena.Null, err
	}
	copy(s.a.Bytes(keyOff, uint64(len(key))), key)

	e, err := s.a.Allocate(entrySize)
	if err != nil {
		s.a.Free(keyOff)
		return arena.Null, err
	}

	bucket := s.bucketFor(key)
	s.a.WriteU64(e+entryNextOff, s.a.ReadU64(bucket))
	s.a.WriteU64(e+entryKeyOff, uint64(keyOff))
	s.a.WriteU64(e+entryKeyLenOff, uint64(len(key)))
	s.a.Bytes(e+entryTagOff, 1)[0] = byte(TagUnknown)
	s.a.WriteU64(bucket, uint64(e))

	s.a.WriteU32(s.off+storeCountOff, s.a.ReadU32(s.off+storeCountOff)+1)
	return e, nil
}

// SetBool stores a boolean under key.
func (s *Store) SetBool(key string, v bool) error {
	return s.set(key, TagBool, func(slot []byte) error {
		encodeBool(slot, v)
		return nil
	})
}

// SetInt stores a 32-bit integer under key.
func (s *Store) SetInt(key string, v int32) error {
	return s.set(key, TagInt, func(slot []byte) error {
		encodeInt(slot, v)
		return nil
	})
}

// SetFloat stores a double under key.
func (s *Store) SetFloat(key string, v float64) error {
	return s.set(key, TagFloat, func(slot []byte) error {
		encodeFloat(slot, v)
		return nil
	})
}

// SetString stores a string under key. Strings up to InlineMax bytes stay
// inside the entry; longer ones are stored in a separate allocation.
func (s *Store) SetString(key, v string) error {
	return s.set(key, TagString, func(slot []byte) error {
		return encodeBlob(s.a, slot, []byte(v))
	})
}

// SetBytes stores an opaque blob under key.
func (s *Store) SetBytes(key string, v []byte) error {
	return s.set(key, TagBytes, func(slot []byte) error {
		return encodeBlob(s.a, slot, v)
	})
}

// get returns tag and slot of key's entry. Caller holds the store lock.
func (s *Store) get(key string) (Tag, []byte, error) {
	e := s.find(key)
	if e == arena.Null {
		return TagUnknown, nil, &KeyNotFoundError{Key: key}
	}
	return s.entryTag(e), s.entrySlot(e), nil
}

// GetBool reads key as a boolean, converting numerics and strings.
func (s *Store) GetBool(key string) (bool, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return false, err
	}
	switch tag {
	case TagBool:
		return decodeBool(slot), nil
	case TagInt:
		return decodeInt(slot) != 0, nil
	case TagFloat:
		return decodeFloat(slot) != 0, nil
	case TagString:
		v, err := parseBoolString(blobToString(s.a, slot))
		if err != nil {
			return false, &ConversionError{Key: key, From: tag, To: "bool"}
		}
		return v, nil
	default:
		return false, &ConversionError{Key: key, From: tag, To: "bool"}
	}
}

// GetInt reads key as a 32-bit integer, converting numerics and strings.
func (s *Store) GetInt(key string) (int32, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagBool:
		if decodeBool(slot) {
			return 1, nil
		}
		return 0, nil
	case TagInt:
		return decodeInt(slot), nil
	case TagFloat:
		return int32(decodeFloat(slot)), nil
	case TagString:
		v, err := strconv.ParseInt(strings.TrimSpace(blobToString(s.a, slot)), 10, 32)
		if err != nil {
			return 0, &ConversionError{Key: key, From: tag, To: "int"}
		}
		return int32(v), nil
	default:
		return 0, &ConversionError{Key: key, From: tag, To: "int"}
	}
}

// GetFloat reads key as a double, converting numerics and strings.
func (s *Store) GetFloat(key string) (float64, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagBool:
		if decodeBool(slot) {
			return 1, nil
		}
		return 0, nil
	case TagInt:
		return float64(decodeInt(slot)), nil
	case TagFloat:
		return decodeFloat(slot), nil
	case TagString:
		v, err := strconv.ParseFloat(strings.TrimSpace(blobToString(s.a, slot)), 64)
		if err != nil {
			return 0, &ConversionError{Key: key, From: tag, To: "float"}
		}
		return v, nil
	default:
		return 0, &ConversionError{Key: key, From: tag, To: "float"}
	}
}

// GetString reads key as a string, copying the value out of shared memory.
// Numeric values are stringified.
func (s *Store) GetString(key string) (string, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return "", err
	}
	switch tag {
	case TagBool:
		return strconv.FormatBool(decodeBool(slot)), nil
	case TagInt:
		return strconv.FormatInt(int64(decodeInt(slot)), 10), nil
	case TagFloat:
		return formatFloat(decodeFloat(slot)), nil
	case TagString:
		return blobToString(s.a, slot), nil
	default:
		return "", &ConversionError{Key: key, From: tag, To: "string"}
	}
}

// GetStringRef is the cheap read: the returned bytes alias shared memory
// and are only valid until the next write to the same key.
func (s *Store) GetStringRef(key string) ([]byte, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if tag != TagString {
		return nil, &ConversionError{Key: key, From: tag, To: "string ref"}
	}
	return decodeBlob(s.a, slot), nil
}

// GetBytes reads key as a blob, copying the value out of shared memory.
func (s *Store) GetBytes(key string) ([]byte, error) {
	ref, err := s.GetBytesRef(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ref))
	copy(out, ref)
	return out, nil
}

// GetBytesRef is the cheap blob read; the view is only valid until the next
// write to the same key.
func (s *Store) GetBytesRef(key string) ([]byte, error) {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	tag, slot, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if tag != TagBytes {
		return nil, &ConversionError{Key: key, From: tag, To: "bytes"}
	}
	return decodeBlob(s.a, slot), nil
}

// Contains reports whether key exists.
func (s *Store) Contains(key string) bool {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()
	return s.find(key) != arena.Null
}

// Remove deletes key and reports whether it existed.
func (s *Store) Remove(key string) bool {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()

	bucket := s.bucketFor(key)
	prev := arena.Null
	for e := arena.Offset(s.a.ReadU64(bucket)); e != arena.Null; e = arena.Offset(s.a.ReadU64(e + entryNextOff)) {
		if s.entryKey(e) != key {
			prev = e
			continue
		}
		next := s.a.ReadU64(e + entryNextOff)
		if prev == arena.Null {
			s.a.WriteU64(bucket, next)
		} else {
			s.a.WriteU64(prev+entryNextOff, next)
		}
		s.freeEntry(e)
		s.a.WriteU32(s.off+storeCountOff, s.a.ReadU32(s.off+storeCountOff)-1)
		return true
	}
	return false
}

// Len is the number of stored keys.
func (s *Store) Len() int {
	lock := s.lock()
	lock.Lock()
	defer lock.Unlock()
	return int(s.a.ReadU32(s.off + storeCountOff))
}

// Keys returns all keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	lock := s.lock()
	lock.Lock()

	var keys []string
	buckets := s.buckets()
	for i := 0; i < bucketCount; i++ {
		for e := arena.Offset(s.a.ReadU64(buckets + arena.Offset(i*8))); e != arena.Null; e = arena.Offset(s.a.ReadU64(e + entryNextOff)) {
			if k := s.entryKey(e); strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
	}
	lock.Unlock()

	sort.Strings(keys)
	return keys
}

func (s *Store) freeEntry(e arena.Offset) {
	if t := s.entryTag(e); t == TagString || t == TagBytes {
		freeBlob(s.a, s.entrySlot(e))
	}
	s.a.Free(arena.Offset(s.a.ReadU64(e + entryKeyOff)))
	s.a.Free(e)
}

// destruct releases every entry, the bucket array and the header. Called by
// the last detacher.
func (s *Store) destruct() {
	lock := s.lock()
	lock.Lock()

	buckets := s.buckets()
	for i := 0; i < bucketCount; i++ {
		e := arena.Offset(s.a.ReadU64(buckets + arena.Offset(i*8)))
		for e != arena.Null {
			next := arena.Offset(s.a.ReadU64(e + entryNextOff))
			s.freeEntry(e)
			e = next
		}
	}
	lock.Unlock()

	s.a.Free(buckets)
	s.a.Free(s.off)
}
