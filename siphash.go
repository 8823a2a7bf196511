package rydb

import "encoding/binary"

// SipHash-2-4-64: 2 compression rounds per message block, 4 finalization
// rounds, 128-bit key, 64-bit output. This is the reference algorithm by
// Jean-Philippe Aumasson and Daniel J. Bernstein; no corpus dependency
// implements it, so it is hand-written here the same way the hashtable
// algorithm itself is (see DESIGN.md).
func sipHash24(k0, k1 uint64, data []byte) uint64 {
	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = rotl64(v1, 13)
		v1 ^= v0
		v0 = rotl64(v0, 32)
		v2 += v3
		v3 = rotl64(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl64(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl64(v1, 17)
		v1 ^= v2
		v2 = rotl64(v2, 32)
	}

	n := len(data)
	end := n - n%8

	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], data[end:])
	last[7] = byte(n)
	m := binary.LittleEndian.Uint64(last[:])

	v3 ^= m
	round()
	round()
	v0 ^= m

	v2 ^= 0xff

	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

func rotl64(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}

// siphashKeyParts splits the 16-byte hash key (Config.HashKey) into the
// two little-endian 64-bit halves SipHash needs.
func siphashKeyParts(key [16]byte) (k0, k1 uint64) {
	k0 = binary.LittleEndian.Uint64(key[0:8])
	k1 = binary.LittleEndian.Uint64(key[8:16])
	return
}
