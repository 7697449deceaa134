package stratum

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ShareStatus classifies a submitted share. Accept-class values are below
// 20. Job-not-found, duplicate and low-difficulty rejects reuse the
// conventional stratum error codes 21-23; the time-window and extranonce2
// rejects use 31-33. StratumError maps each onto a JSON-RPC error tuple.
type ShareStatus uint32

const (
	// StatusAccepted - hash meets the worker target
	StatusAccepted ShareStatus = 1
	// StatusSolvedBlock - hash also meets the network target
	StatusSolvedBlock ShareStatus = 2
	// StatusAcceptedStale - well-formed share against a stale job, kept for
	// accounting and anti-cheat telemetry
	StatusAcceptedStale ShareStatus = 3

	// StatusErrJobNotFound - unknown job id
	StatusErrJobNotFound ShareStatus = 21
	// StatusErrDuplicateShare - tuple already seen on this session
	StatusErrDuplicateShare ShareStatus = 22
	// StatusErrLowDifficulty - hash above the worker target
	StatusErrLowDifficulty ShareStatus = 23
	// StatusErrTimeTooOld - ntime before the job's ntime
	StatusErrTimeTooOld ShareStatus = 31
	// StatusErrTimeTooNew - ntime beyond the allowed window
	StatusErrTimeTooNew ShareStatus = 32
	// StatusErrMalformedExtraNonce2 - extranonce2 hex of the wrong size
	StatusErrMalformedExtraNonce2 ShareStatus = 33
)

// IsAccepted reports whether the share counts toward the worker's credit.
func (s ShareStatus) IsAccepted() bool {
	return s == StatusAccepted || s == StatusSolvedBlock || s == StatusAcceptedStale
}

// String names the classification for logs and metrics.
func (s ShareStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusSolvedBlock:
		return "solved_block"
	case StatusAcceptedStale:
		return "stale"
	case StatusErrJobNotFound:
		return "job_not_found"
	case StatusErrDuplicateShare:
		return "duplicate"
	case StatusErrLowDifficulty:
		return "low_difficulty"
	case StatusErrTimeTooOld:
		return "time_too_old"
	case StatusErrTimeTooNew:
		return "time_too_new"
	case StatusErrMalformedExtraNonce2:
		return "malformed_extranonce2"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// ShareRecord is the fixed-layout binary record produced on the ShareLog
// topic, little-endian and tightly packed. Field order is the wire contract;
// do not reorder.
type ShareRecord struct {
	JobID       uint64
	WorkerID    int64
	UserID      int32
	SessionID   uint32
	IP          uint32
	ShareDiff   uint64
	NTime       uint32
	Nonce       uint32
	ExtraNonce2 uint64
	Height      int32
	Result      uint32
	Timestamp   uint32
}

// ShareRecordSize is the serialized size of a ShareRecord.
const ShareRecordSize = 64

// Marshal serializes the record into its wire form.
func (r *ShareRecord) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ShareRecordSize))
	// binary.Write on a fixed-size struct emits fields in order, packed
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		panic(err) // all fields fixed-size, cannot fail
	}
	return buf.Bytes()
}

// UnmarshalShareRecord parses a wire record, as downstream consumers do.
func UnmarshalShareRecord(data []byte) (*ShareRecord, error) {
	if len(data) != ShareRecordSize {
		return nil, fmt.Errorf("share record must be %d bytes, got %d", ShareRecordSize, len(data))
	}
	r := &ShareRecord{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return r, nil
}

// workerFullNameSize bounds the name carried in a solved-share record.
const workerFullNameSize = 40

// FoundBlock is the record produced on the SolvedShare topic: the share
// identity plus the full 80-byte header, followed on the wire by the
// coinbase transaction bytes.
type FoundBlock struct {
	JobID          uint64
	WorkerID       int64
	UserID         int32
	Height         int32
	Header         [80]byte
	WorkerFullName string
}

// Marshal serializes the block record with the coinbase bytes appended.
func (b *FoundBlock) Marshal(coinbaseBin []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+8+4+4+80+workerFullNameSize+len(coinbaseBin)))
	_ = binary.Write(buf, binary.LittleEndian, b.JobID)
	_ = binary.Write(buf, binary.LittleEndian, b.WorkerID)
	_ = binary.Write(buf, binary.LittleEndian, b.UserID)
	_ = binary.Write(buf, binary.LittleEndian, b.Height)
	buf.Write(b.Header[:])

	var name [workerFullNameSize]byte
	copy(name[:], b.WorkerFullName)
	buf.Write(name[:])

	buf.Write(coinbaseBin)
	return buf.Bytes()
}
