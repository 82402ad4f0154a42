package security

import (
	"bytes"
	"testing"
)

func TestFromBytesWipesOriginal(t *testing.T) {
	key := []byte("0123456789abcdef")
	sb, err := FromBytes(key)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer sb.Destroy()

	if !bytes.Equal(sb.Bytes(), []byte("0123456789abcdef")) {
		t.Error("secure copy does not match source")
	}
	for i, b := range key {
		if b != 0 {
			t.Fatalf("source byte %d not wiped", i)
		}
	}
}

func TestDestroyZeroesAndIdempotent(t *testing.T) {
	sb, err := FromBytes([]byte("sensitive-key-material"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	data := sb.Bytes()
	sb.Destroy()
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d survived Destroy", i)
		}
	}
	if sb.Len() != 0 {
		t.Errorf("Len after Destroy = %d, want 0", sb.Len())
	}

	// Second Destroy must not panic.
	sb.Destroy()
}

func TestCopyIsIndependent(t *testing.T) {
	sb, err := FromBytes([]byte("abcd1234efgh5678"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer sb.Destroy()

	cp := sb.Copy()
	cp[0] = 'X'
	if sb.Bytes()[0] == 'X' {
		t.Error("mutating the copy changed the secure buffer")
	}
	Wipe(cp)
}

func TestWipeEmpty(t *testing.T) {
	Wipe(nil)
	Wipe([]byte{})
}
