package rydb

import "testing"

func TestSipHash24Deterministic(t *testing.T) {
	key := [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	k0, k1 := siphashKeyParts(key)

	data := []byte("the quick brown fox")
	h1 := sipHash24(k0, k1, data)
	h2 := sipHash24(k0, k1, data)
	if h1 != h2 {
		t.Fatalf("sipHash24 not deterministic: %x vs %x", h1, h2)
	}
}

func TestSipHash24DifferentKeysDiffer(t *testing.T) {
	var keyA, keyB [16]byte
	for i := range keyA {
		keyA[i] = byte(i)
		keyB[i] = byte(i + 1)
	}
	a0, a1 := siphashKeyParts(keyA)
	b0, b1 := siphashKeyParts(keyB)

	data := []byte("same message")
	if sipHash24(a0, a1, data) == sipHash24(b0, b1, data) {
		t.Fatal("expected different keys to (almost certainly) produce different hashes")
	}
}

func TestSipHash24EmptyAndShortInputs(t *testing.T) {
	key := [16]byte{}
	k0, k1 := siphashKeyParts(key)

	for _, n := range []int{0, 1, 7, 8, 9, 63, 64, 65} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		// Must not panic for any block-boundary-adjacent length.
		_ = sipHash24(k0, k1, data)
	}
}
