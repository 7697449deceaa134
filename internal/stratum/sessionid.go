// Package stratum implements the core of the mining pool server: session id
// allocation, job management, share validation, the user registry and the
// TCP connection server. The Stratum V1 line protocol lives in session.go
// and protocol.go.
package stratum

import (
	"errors"
	"fmt"
	"sync"
)

// MaxSessionIndex is the largest 24-bit session index.
const MaxSessionIndex uint32 = 0x00FFFFFF

// ErrSessionIDsExhausted is returned when every 24-bit index is in use.
var ErrSessionIDsExhausted = errors.New("session ids exhausted")

// SessionIDManager hands out unique session ids of the form
//
//	[server_id:8][index:24]
//
// The extranonce1 of a session equals its session id, which keeps nonce
// search spaces disjoint across every connected miner of every instance.
//
// Indices are tracked in a dense bitset with a rotating cursor: a freed id is
// not handed out again until the cursor wraps, so in-flight shares from a
// closed session rarely collide with a new tenant. Thread-safe.
type SessionIDManager struct {
	serverID uint8

	mu       sync.Mutex
	words    []uint64 // bitset of 2^24 indices
	allocIdx uint32
	used     uint32
}

// NewSessionIDManager creates a manager for the given server id.
// Server id 0 is reserved and rejected.
func NewSessionIDManager(serverID uint8) (*SessionIDManager, error) {
	if serverID == 0 {
		return nil, fmt.Errorf("server id must be in [1, 255], got 0")
	}
	return &SessionIDManager{
		serverID: serverID,
		words:    make([]uint64, (MaxSessionIndex+1)/64),
	}, nil
}

// AllocSessionID returns the next free session id, scanning forward from the
// rotating cursor. It fails with ErrSessionIDsExhausted when all 2^24
// indices are in use.
func (m *SessionIDManager) AllocSessionID() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used > MaxSessionIndex {
		return 0, ErrSessionIDsExhausted
	}

	for m.testBit(m.allocIdx) {
		m.allocIdx++
		if m.allocIdx > MaxSessionIndex {
			m.allocIdx = 0
		}
	}

	idx := m.allocIdx
	m.setBit(idx)
	m.used++

	// advance past the handed-out index so it is the last to be recycled
	m.allocIdx++
	if m.allocIdx > MaxSessionIndex {
		m.allocIdx = 0
	}

	return uint32(m.serverID)<<24 | idx, nil
}

// FreeSessionID releases the index of a session id. Freeing an id that is
// not in use is a no-op.
func (m *SessionIDManager) FreeSessionID(sessionID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sessionID & MaxSessionIndex
	if !m.testBit(idx) {
		return
	}
	m.clearBit(idx)
	m.used--
}

// InUse reports the number of allocated indices.
func (m *SessionIDManager) InUse() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *SessionIDManager) testBit(idx uint32) bool {
	return m.words[idx/64]&(1<<(idx%64)) != 0
}

func (m *SessionIDManager) setBit(idx uint32) {
	m.words[idx/64] |= 1 << (idx % 64)
}

func (m *SessionIDManager) clearBit(idx uint32) {
	m.words[idx/64] &^= 1 << (idx % 64)
}
