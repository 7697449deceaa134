// Package bitcoin provides the proof-of-work primitives used by the stratum
// server: double-SHA256 hashing, compact target decoding, difficulty-to-target
// conversion and merkle root folding. It also contains the ZMQ block watcher.
package bitcoin

import (
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTarget is Bitcoin's difficulty-1 target,
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000.
var maxTarget = new(big.Int).SetBytes([]byte{
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
})

// Pools reduce garbage collection pressure on the share validation hot path.
var (
	bigFloatPool = sync.Pool{
		New: func() any {
			return new(big.Float)
		},
	}
)

// DoubleSHA256 computes dsha256(b).
func DoubleSHA256(b []byte) chainhash.Hash {
	return chainhash.DoubleHashH(b)
}

// HashToBig interprets a hash as a 256-bit little-endian integer.
// chainhash stores hashes in little-endian byte order, so the bytes are
// reversed before feeding big.Int, which expects big-endian.
func HashToBig(hash *chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i := range chainhash.HashSize {
		buf[i] = hash[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// CompactToTarget decodes an nBits compact representation into the full
// 256-bit target. Negative or overflowing encodings yield a zero target,
// which no hash can satisfy.
func CompactToTarget(nBits uint32) *big.Int {
	mantissa := int64(nBits & 0x007fffff)
	exponent := uint(nBits >> 24)

	// sign bit set means a negative target
	if nBits&0x00800000 != 0 {
		return new(big.Int)
	}

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(mantissa)
	} else {
		target = big.NewInt(mantissa)
		target.Lsh(target, 8*(exponent-3))
	}

	if target.BitLen() > 256 {
		return new(big.Int)
	}
	return target
}

// DiffToTarget converts a share difficulty to its target threshold,
// target = maxTarget / difficulty. A non-positive difficulty maps to the
// maximum target.
func DiffToTarget(diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(maxTarget)
	}

	diffFloat := bigFloatPool.Get().(*big.Float)
	defer bigFloatPool.Put(diffFloat)
	diffFloat.SetPrec(256).SetFloat64(diff)

	maxFloat := bigFloatPool.Get().(*big.Float)
	defer bigFloatPool.Put(maxFloat)
	maxFloat.SetPrec(256).SetInt(maxTarget)

	quo := bigFloatPool.Get().(*big.Float)
	defer bigFloatPool.Put(quo)
	quo.SetPrec(256).Quo(maxFloat, diffFloat)

	target := new(big.Int)
	quo.Int(target)
	return target
}

// TargetToCompact encodes a full target into its nBits compact form,
// rounding toward zero the way the reference implementation does.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}

	exponent := uint(len(target.Bytes()))
	var mantissa uint32
	if exponent <= 3 {
		mantissa = uint32(target.Uint64()) << (8 * (3 - exponent))
	} else {
		tmp := new(big.Int).Rsh(target, 8*(exponent-3))
		mantissa = uint32(tmp.Uint64())
	}

	// a mantissa sign bit shifts the value down one byte
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	return uint32(exponent)<<24 | mantissa
}

// MerkleRootFromBranch folds a merkle branch over the coinbase hash:
// root = dsha256(root || branch_i) for each branch element in order.
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for i := range branch {
		concat := make([]byte, 0, 2*chainhash.HashSize)
		concat = append(concat, root[:]...)
		concat = append(concat, branch[i][:]...)
		root = chainhash.DoubleHashH(concat)
	}
	return root
}
