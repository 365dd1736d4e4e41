package shared

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	_, c := newTestContext(t, 256*1024)
	return c.Store()
}

func TestStoreTypedRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetBool("b", true); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := s.SetInt("i", -42); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := s.SetFloat("f", 2.5); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if err := s.SetString("s", "hello"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if err := s.SetBytes("raw", []byte{1, 2, 3}); err != nil {
		t.Fatalf("set bytes: %v", err)
	}

	if v, err := s.GetBool("b"); err != nil || !v {
		t.Fatalf("get bool = %v, %v", v, err)
	}
	if v, err := s.GetInt("i"); err != nil || v != -42 {
		t.Fatalf("get int = %v, %v", v, err)
	}
	if v, err := s.GetFloat("f"); err != nil || v != 2.5 {
		t.Fatalf("get float = %v, %v", v, err)
	}
	if v, err := s.GetString("s"); err != nil || v != "hello" {
		t.Fatalf("get string = %q, %v", v, err)
	}
	if v, err := s.GetBytes("raw"); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("get bytes = %v, %v", v, err)
	}
	if s.Len() != 5 {
		t.Fatalf("len = %d, want 5", s.Len())
	}
}

func TestStoreConversions(t *testing.T) {
	s := newTestStore(t)

	s.SetInt("i", 7)
	if v, err := s.GetBool("i"); err != nil || !v {
		t.Fatalf("int->bool = %v, %v", v, err)
	}
	if v, err := s.GetFloat("i"); err != nil || v != 7 {
		t.Fatalf("int->float = %v, %v", v, err)
	}
	if v, err := s.GetString("i"); err != nil || v != "7" {
		t.Fatalf("int->string = %q, %v", v, err)
	}

	s.SetString("n", "123")
	if v, err := s.GetInt("n"); err != nil || v != 123 {
		t.Fatalf("string->int = %v, %v", v, err)
	}
	s.SetString("t", "true")
	if v, err := s.GetBool("t"); err != nil || !v {
		t.Fatalf("string->bool = %v, %v", v, err)
	}
	s.SetFloat("f", 1.0)
	if v, err := s.GetBool("f"); err != nil || !v {
		t.Fatalf("float->bool = %v, %v", v, err)
	}

	// Bytes are opaque.
	s.SetBytes("raw", []byte("123"))
	if _, err := s.GetInt("raw"); err == nil {
		t.Fatalf("bytes->int conversion succeeded, want error")
	}
	var conv *ConversionError
	if _, err := s.GetInt("raw"); !errors.As(err, &conv) {
		t.Fatalf("bytes->int error type = %T", err)
	}

	s.SetString("junk", "not-a-number")
	if _, err := s.GetInt("junk"); err == nil {
		t.Fatalf("garbage string->int succeeded")
	}
}

func TestStoreMissingKey(t *testing.T) {
	s := newTestStore(t)
	var missing *KeyNotFoundError
	if _, err := s.GetInt("absent"); !errors.As(err, &missing) {
		t.Fatalf("missing key error = %T", err)
	}
}

func TestStoreInlineThreshold(t *testing.T) {
	_, c := newTestContext(t, 256*1024)
	s := c.Store()

	inline := strings.Repeat("x", InlineMax)
	spill := strings.Repeat("y", InlineMax+1)

	baseline := s.a.FreeBytes()
	if err := s.SetString("inline", inline); err != nil {
		t.Fatalf("set inline: %v", err)
	}
	afterInline := s.a.FreeBytes()

	if err := s.SetString("spill", spill); err != nil {
		t.Fatalf("set spill: %v", err)
	}
	afterSpill := s.a.FreeBytes()

	// An inline string consumes key + entry; the spilled one consumes one
	// extra allocation for the payload.
	inlineCost := baseline - afterInline
	spillCost := afterInline - afterSpill
	if spillCost <= inlineCost {
		t.Fatalf("string one byte over the threshold did not allocate external storage (inline cost %d, spill cost %d)", inlineCost, spillCost)
	}

	if v, err := s.GetString("inline"); err != nil || v != inline {
		t.Fatalf("inline read failed: %v", err)
	}
	if v, err := s.GetString("spill"); err != nil || v != spill {
		t.Fatalf("spill read failed: %v", err)
	}
}

func TestStoreOverwriteFreesExternal(t *testing.T) {
	_, c := newTestContext(t, 256*1024)
	s := c.Store()

	long := strings.Repeat("z", 1024)
	if err := s.SetString("k", long); err != nil {
		t.Fatalf("set: %v", err)
	}
	after := s.a.FreeBytes()

	// Rewriting the same key with an equally long value must not leak.
	for i := 0; i < 16; i++ {
		if err := s.SetString("k", long); err != nil {
			t.Fatalf("rewrite %d: %v", i, err)
		}
	}
	if got := s.a.FreeBytes(); got != after {
		t.Fatalf("free bytes after rewrites = %d, want %d (leak)", got, after)
	}

	// Replacing with a scalar releases the external block.
	if err := s.SetInt("k", 1); err != nil {
		t.Fatalf("replace with int: %v", err)
	}
	if got := s.a.FreeBytes(); got <= after {
		t.Fatalf("replacing external string with int did not free storage")
	}
	if v, err := s.GetInt("k"); err != nil || v != 1 {
		t.Fatalf("read after replace = %v, %v", v, err)
	}
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore(t)

	s.SetString("k", "v")
	if !s.Remove("k") {
		t.Fatalf("remove of existing key returned false")
	}
	if s.Remove("k") {
		t.Fatalf("remove of absent key returned true")
	}
	if s.Contains("k") {
		t.Fatalf("key still present after remove")
	}
	if s.Len() != 0 {
		t.Fatalf("len after remove = %d", s.Len())
	}
}

func TestStoreInterleavedWrites(t *testing.T) {
	s := newTestStore(t)

	s.SetString("target", "expected")
	for i := 0; i < 100; i++ {
		s.SetInt("other."+strings.Repeat("a", i%7), int32(i))
	}
	if v, err := s.GetString("target"); err != nil || v != "expected" {
		t.Fatalf("target after interleaved writes = %q, %v", v, err)
	}
}

func TestStoreKeys(t *testing.T) {
	s := newTestStore(t)

	s.SetString("bfl.plugin.0.name", "one")
	s.SetString("bfl.plugin.1.name", "two")
	s.SetString("user.key", "three")

	keys := s.Keys("bfl.plugin.")
	if len(keys) != 2 || keys[0] != "bfl.plugin.0.name" || keys[1] != "bfl.plugin.1.name" {
		t.Fatalf("keys = %v", keys)
	}
}
