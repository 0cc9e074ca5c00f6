// Package stunprobe implements a self-contained NAT external-IP probe. It
// speaks RFC 3489-style STUN BIND-REQUEST over UDP and hands back one
// observed external endpoint; it has no further contract with the rest of
// the node than "given entropy, return one reachable server's mapped
// address or fail".
package stunprobe

import (
	"encoding/binary"
	"math/bits"
)

// maskWord is alternately OR-ed and AND-ed into the seed words below.
const maskWord uint32 = 0x55555555

// stirTable is the constant table the transaction-ID mix walks over. It is
// generated once at package init with a splitmix64 expansion of a fixed
// constant, not read from config or entropy, so every build produces the
// same table.
var stirTable = buildStirTable()

func buildStirTable() [256]uint64 {
	const increment = 0x9E3779B97F4A7C15
	var table [256]uint64
	x := uint64(increment)
	for i := range table {
		x += increment
		z := x
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z ^= z >> 31
		table[i] = z
	}
	return table
}

// seedWords expands a 64-bit entropy value into four 32-bit words,
// alternately OR-ed and AND-ed with maskWord.
func seedWords(entropy uint64) [4]uint32 {
	hi := uint32(entropy >> 32)
	lo := uint32(entropy)
	return [4]uint32{
		hi | maskWord,
		lo & maskWord,
		(hi ^ lo) | maskWord,
		(hi + lo) & maskWord,
	}
}

// TransactionID derives the 16-byte BIND-REQUEST transaction ID from a
// 64-bit entropy value: the four seed words fill the initial bytes, then
// each byte is stirred by x ← rotl5(x) + stirTable[byte], XORed back in.
// The result is a pure function of entropy, matching the kernel's
// determinism requirement — identical entropy always produces an
// identical probe.
func TransactionID(entropy uint64) [16]byte {
	words := seedWords(entropy)
	var raw [16]byte
	for i, w := range words {
		binary.BigEndian.PutUint32(raw[i*4:], w)
	}

	x := entropy
	for i, b := range raw {
		x = bits.RotateLeft64(x, 5) + stirTable[b]
		raw[i] = b ^ byte(x)
	}
	return raw
}
