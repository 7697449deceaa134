package stratum

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuchuanzhen/btcpool/internal/bitcoin"
	"github.com/yuchuanzhen/btcpool/pkg/log"
)

// dupeCacheSize bounds the per-session LRU of recently-seen submissions.
const dupeCacheSize = 256

// submitKey identifies one submission for duplicate detection.
type submitKey struct {
	jobID       uint64
	extraNonce2 string
	nTime       uint32
	nonce       uint32
}

// Session is one miner connection. The session id doubles as the miner's
// extranonce1, so each live connection searches a disjoint nonce space.
type Session struct {
	id     uint32
	conn   net.Conn
	server *Server
	logger *log.Logger

	mu         sync.RWMutex
	subscribed bool
	authorized bool
	userName   string
	workerName string
	minerAgent string
	userID     int32
	workerID   int64
	difficulty float64

	// vardiff tracking
	windowStart time.Time
	shareCount  int64

	// duplicate detection
	dupeKeys  map[submitKey]struct{}
	dupeOrder []submitKey

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewSession creates a session for an accepted connection.
func NewSession(id uint32, conn net.Conn, server *Server, logger *log.Logger) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		server:       server,
		logger:       logger.WithSession(id, conn.RemoteAddr().String()),
		difficulty:   server.minDifficulty,
		dupeKeys:     make(map[submitKey]struct{}, dupeCacheSize),
		outbound:     make(chan []byte, 128),
		done:         make(chan struct{}),
		readTimeout:  server.readTimeout,
		writeTimeout: server.writeTimeout,
	}
}

// ID returns the session id.
func (s *Session) ID() uint32 {
	return s.id
}

// ExtraNonce1 returns the session's extranonce1, which equals its id.
func (s *Session) ExtraNonce1() uint32 {
	return s.id
}

// Run processes the session until EOF, error or close.
func (s *Session) Run(ctx context.Context) {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)
	s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), 4096)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Debug("read failed")
			} else {
				s.logger.Info("client disconnected")
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.sendMessage(NewErrorResponse(nil, ErrorParseError, "Parse error"))
			continue
		}

		if msg.IsRequest() {
			s.handleRequest(msg)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("write failed")
				return
			}
		}
	}
}

func (s *Session) handleRequest(msg *Message) {
	switch msg.Method {
	case "mining.subscribe":
		s.handleSubscribe(msg)
	case "mining.authorize":
		s.handleAuthorize(msg)
	case "mining.submit":
		s.handleSubmit(msg)
	default:
		s.sendMessage(NewErrorResponse(msg.ID, ErrorMethodNotFound, "Method not found"))
	}
}

func (s *Session) handleSubscribe(msg *Message) {
	userAgent := ParseSubscribeRequest(msg.Params)

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	extraNonce1Hex := fmt.Sprintf("%08x", s.id)
	subID := fmt.Sprintf("%08x", s.id)

	s.sendMessage(NewResponse(msg.ID, []any{
		[][]string{
			{"mining.set_difficulty", subID},
			{"mining.notify", subID},
		},
		extraNonce1Hex,
		ExtraNonce2Size,
	}))

	s.mu.Lock()
	s.minerAgent = userAgent
	s.mu.Unlock()

	s.logger.Info("miner subscribed", "user_agent", userAgent)
}

func (s *Session) handleAuthorize(msg *Message) {
	s.mu.RLock()
	subscribed := s.subscribed
	s.mu.RUnlock()
	if !subscribed {
		s.sendMessage(NewErrorResponse(msg.ID, ErrorNotSubscribed, "Not subscribed"))
		return
	}

	fullName, _, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		s.sendMessage(NewErrorResponse(msg.ID, ErrorInvalidParams, "Invalid parameters"))
		return
	}

	userName, workerName := splitWorkerFullName(fullName)

	userID, ok := s.server.userInfo.GetUserID(userName)
	if !ok {
		s.logger.Warn("unknown user", "user", userName)
		s.sendMessage(NewErrorResponse(msg.ID, ErrorUnauthorized, "Unauthorized worker"))
		return
	}

	workerID := workerNameToID(fullName)

	s.mu.Lock()
	s.authorized = true
	s.userName = userName
	s.workerName = workerName
	s.userID = userID
	s.workerID = workerID
	agent := s.minerAgent
	s.mu.Unlock()

	s.server.userInfo.AddWorker(userID, workerID, workerName, agent)

	s.sendMessage(NewResponse(msg.ID, true))

	s.logger.Info("miner authorized", "user", userName, "worker", workerName, "user_id", userID)

	// push the starting difficulty and the current job
	s.SendSetDifficulty(s.Difficulty())
	if latest := s.server.jobRepo.GetLatest(); latest != nil {
		s.SendLine(latest.MiningNotify(s.id, true))
	}
}

func (s *Session) handleSubmit(msg *Message) {
	s.mu.RLock()
	authorized := s.authorized
	s.mu.RUnlock()
	if !authorized {
		s.sendMessage(NewErrorResponse(msg.ID, ErrorUnauthorized, "Unauthorized worker"))
		return
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		s.sendMessage(NewErrorResponse(msg.ID, ErrorInvalidParams, "Invalid parameters"))
		return
	}

	jobID, err1 := strconv.ParseUint(req.JobID, 16, 64)
	nTime, err2 := parseHexUint32(req.NTime)
	nonce, err3 := parseHexUint32(req.Nonce)
	if err1 != nil || err2 != nil || err3 != nil {
		s.sendMessage(NewErrorResponse(msg.ID, ErrorInvalidParams, "Invalid parameters"))
		return
	}

	s.recordShareTime()

	status := s.server.CheckShare(s, jobID, req.ExtraNonce2, nTime, nonce)

	if stratumErr := status.StratumError(); stratumErr != nil {
		s.sendMessage(&Message{ID: msg.ID, Result: nil, Error: stratumErr})
	} else {
		s.sendMessage(NewResponse(msg.ID, true))
	}

	s.maybeAdjustDifficulty()
}

// CheckAndRecordSubmit returns true when the submission tuple was already
// seen on this session, recording it otherwise. The cache is a small LRU so
// a long-lived session cannot grow without bound.
func (s *Session) CheckAndRecordSubmit(jobID uint64, extraNonce2 string, nTime, nonce uint32) bool {
	key := submitKey{jobID: jobID, extraNonce2: extraNonce2, nTime: nTime, nonce: nonce}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.dupeKeys[key]; seen {
		return true
	}

	if len(s.dupeOrder) >= dupeCacheSize {
		oldest := s.dupeOrder[0]
		s.dupeOrder = s.dupeOrder[1:]
		delete(s.dupeKeys, oldest)
	}
	s.dupeKeys[key] = struct{}{}
	s.dupeOrder = append(s.dupeOrder, key)
	return false
}

// IsAuthorized reports whether the session passed mining.authorize.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// Difficulty returns the session's current share difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the session's share difficulty.
func (s *Session) SetDifficulty(diff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = diff
}

// UserID returns the resolved pool user id.
func (s *Session) UserID() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// WorkerID returns the worker id derived from the full worker name.
func (s *Session) WorkerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerID
}

// WorkerFullName returns "user.worker".
func (s *Session) WorkerFullName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.workerName == "" {
		return s.userName
	}
	return s.userName + "." + s.workerName
}

// SendSetDifficulty pushes a mining.set_difficulty notification.
func (s *Session) SendSetDifficulty(diff float64) {
	s.sendMessage(NewNotification("mining.set_difficulty", []any{diff}))
}

// SendLine enqueues a raw protocol line. The enqueue never blocks: a full
// buffer means the peer stopped draining, so the connection is closed.
func (s *Session) SendLine(line string) {
	select {
	case s.outbound <- []byte(line):
	case <-s.done:
	default:
		s.logger.Warn("outbound buffer full, closing session")
		s.Close()
	}
}

func (s *Session) sendMessage(msg *Message) {
	data, err := MarshalMessage(msg)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal message")
		return
	}
	s.SendLine(string(data) + "\n")
}

// Close shuts the session down once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
		s.server.removeSession(s)
	})
}

func (s *Session) recordShareTime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shareCount == 0 {
		s.windowStart = time.Now()
	}
	s.shareCount++
}

// maybeAdjustDifficulty applies a coarse vardiff: every 16 shares the
// average submission interval is compared against the target; a deviation
// beyond 10% rescales the difficulty and pushes the new value.
func (s *Session) maybeAdjustDifficulty() {
	const (
		targetInterval = 10 * time.Second
		window         = int64(16)
	)

	s.mu.Lock()
	if s.shareCount == 0 || s.shareCount%window != 0 {
		s.mu.Unlock()
		return
	}
	avg := time.Since(s.windowStart) / time.Duration(window)
	s.windowStart = time.Now()
	if avg <= 0 {
		avg = time.Millisecond
	}

	newDiff := s.difficulty * targetInterval.Seconds() / avg.Seconds()
	if newDiff < s.server.minDifficulty {
		newDiff = s.server.minDifficulty
	}
	if newDiff > s.server.maxDifficulty {
		newDiff = s.server.maxDifficulty
	}

	changed := newDiff/s.difficulty > 1.1 || newDiff/s.difficulty < 0.9
	if changed {
		s.difficulty = newDiff
	}
	s.mu.Unlock()

	if changed {
		s.SendSetDifficulty(newDiff)
	}
}

// workerNameToID derives a stable 64-bit worker id from the full worker
// name, matching what downstream accounting keys on.
func workerNameToID(fullName string) int64 {
	h := bitcoin.DoubleSHA256([]byte(fullName))
	return int64(binary.LittleEndian.Uint64(h[:8]))
}

// splitWorkerFullName splits "user.worker"; a missing worker part maps to
// "default".
func splitWorkerFullName(fullName string) (userName, workerName string) {
	if i := strings.IndexByte(fullName, '.'); i >= 0 {
		userName, workerName = fullName[:i], fullName[i+1:]
	} else {
		userName = fullName
	}
	if workerName == "" {
		workerName = "default"
	}
	return userName, workerName
}

// parseHexUint32 parses an 8-character big-endian hex field.
func parseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
