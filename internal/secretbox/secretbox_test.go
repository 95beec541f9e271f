package secretbox

import (
	"bytes"
	"testing"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	b, err := New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestSealOpenRoundTrip(t *testing.T) {
	box := testBox(t)

	plaintext := []byte("totp-shared-secret-material")
	blob, err := box.Seal("p1", plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	out, err := box.Open("p1", blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	box := testBox(t)

	a, err := box.Seal("p1", []byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := box.Seal("p1", []byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("identical plaintexts must never produce identical blobs")
	}
}

func TestOpenWrongPrincipalFails(t *testing.T) {
	box := testBox(t)

	blob, err := box.Seal("p1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := box.Open("p2", blob); err != ErrInvalidCiphertext {
		t.Fatalf("cross-principal open must fail: %v", err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	box := testBox(t)

	blob, err := box.Seal("p1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	if _, err := box.Open("p1", blob); err != ErrInvalidCiphertext {
		t.Fatalf("tampered blob must fail: %v", err)
	}

	if _, err := box.Open("p1", []byte{1, 2, 3}); err != ErrInvalidCiphertext {
		t.Fatalf("short blob must fail: %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("short master key must be rejected")
	}
}
