package bitcoin

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestDoubleSHA256(t *testing.T) {
	// dsha256("hello") is a fixed vector
	got := DoubleSHA256([]byte("hello"))
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"

	// chainhash renders the reversed (display) order
	var raw [32]byte
	copy(raw[:], got[:])
	hexed := ""
	for i := range raw {
		hexed += hexByte(raw[i])
	}
	if hexed != want {
		t.Errorf("dsha256(hello) = %s, want %s", hexed, want)
	}
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}

func TestHashToBig(t *testing.T) {
	var h chainhash.Hash
	h[31] = 0x01 // most significant byte in little-endian storage

	v := HashToBig(&h)
	want := new(big.Int).Lsh(big.NewInt(1), 248)
	if v.Cmp(want) != 0 {
		t.Errorf("HashToBig = %x, want %x", v, want)
	}
}

func TestCompactToTarget(t *testing.T) {
	tests := []struct {
		name  string
		nBits uint32
		want  string // big-endian hex
	}{
		{"difficulty one", 0x1d00ffff, "ffff0000000000000000000000000000000000000000000000000000"},
		{"small exponent", 0x03123456, "123456"},
		{"exponent two", 0x02123456, "1234"},
		{"negative target", 0x03923456, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, _ := new(big.Int).SetString(tt.want, 16)
			got := CompactToTarget(tt.nBits)
			if got.Cmp(want) != 0 {
				t.Errorf("CompactToTarget(%08x) = %x, want %s", tt.nBits, got, tt.want)
			}
		})
	}
}

func TestCompactRoundTrip(t *testing.T) {
	for _, nBits := range []uint32{0x1d00ffff, 0x1b0404cb, 0x181bc330} {
		target := CompactToTarget(nBits)
		if got := TargetToCompact(target); got != nBits {
			t.Errorf("round trip %08x -> %x -> %08x", nBits, target, got)
		}
	}
}

func TestTargetToCompact_SignBit(t *testing.T) {
	// a leading byte >= 0x80 must shift into a longer exponent
	target := new(big.Int).Lsh(big.NewInt(0x80), 8)
	nBits := TargetToCompact(target)
	if nBits&0x00800000 != 0 {
		t.Errorf("compact form %08x carries a sign bit", nBits)
	}
	if CompactToTarget(nBits).Cmp(target) != 0 {
		t.Errorf("sign-bit round trip failed: %x", CompactToTarget(nBits))
	}

	if TargetToCompact(new(big.Int)) != 0 {
		t.Error("zero target must encode to zero")
	}
}

func TestDiffToTarget(t *testing.T) {
	// difficulty 1 is the maximum target
	if DiffToTarget(1).Cmp(maxTarget) != 0 {
		t.Errorf("diff 1 target = %x", DiffToTarget(1))
	}

	// doubling the difficulty halves the target
	half := DiffToTarget(2)
	want := new(big.Int).Rsh(maxTarget, 1)
	if half.Cmp(want) != 0 {
		t.Errorf("diff 2 target = %x, want %x", half, want)
	}

	// sub-one difficulty raises the target above the difficulty-1 ceiling
	if DiffToTarget(0.5).Cmp(maxTarget) <= 0 {
		t.Error("diff 0.5 target must exceed the difficulty-1 target")
	}

	// degenerate difficulty maps to the maximum target
	if DiffToTarget(0).Cmp(maxTarget) != 0 {
		t.Error("diff 0 must map to the maximum target")
	}
}

func TestMerkleRootFromBranch(t *testing.T) {
	coinbase := DoubleSHA256([]byte("coinbase"))

	// empty branch: the root is the coinbase hash itself
	if got := MerkleRootFromBranch(coinbase, nil); got != coinbase {
		t.Errorf("empty branch root = %s", got)
	}

	// one element folds once
	sibling := DoubleSHA256([]byte("sibling"))
	concat := append(append([]byte{}, coinbase[:]...), sibling[:]...)
	want := chainhash.DoubleHashH(concat)
	if got := MerkleRootFromBranch(coinbase, []chainhash.Hash{sibling}); got != want {
		t.Errorf("single fold root = %s, want %s", got, want)
	}

	// two elements fold in order
	second := DoubleSHA256([]byte("second"))
	concat = append(append([]byte{}, want[:]...), second[:]...)
	want = chainhash.DoubleHashH(concat)
	if got := MerkleRootFromBranch(coinbase, []chainhash.Hash{sibling, second}); got != want {
		t.Errorf("double fold root = %s, want %s", got, want)
	}
}
