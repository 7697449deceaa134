package stratum

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/yuchuanzhen/btcpool/internal/bitcoin"
	"github.com/yuchuanzhen/btcpool/internal/config"
	"github.com/yuchuanzhen/btcpool/internal/database/influx"
	"github.com/yuchuanzhen/btcpool/internal/database/redis"
	"github.com/yuchuanzhen/btcpool/internal/messaging"
	"github.com/yuchuanzhen/btcpool/pkg/log"
)

// ShareSink publishes binary records to a downstream topic. Implemented by
// messaging.KafkaClient.
type ShareSink interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Server owns the listening socket, the connection table and the share
// pipeline. Shares are classified here and emitted to the two downstream
// topics; the producers are leaf-locked so a slow ShareLog write never
// blocks a solved block.
type Server struct {
	cfg    *config.Config
	logger *log.Logger

	listener net.Listener

	connsMu sync.RWMutex
	conns   map[uint32]*Session

	jobRepo   *JobRepository
	userInfo  *UserInfo
	idManager *SessionIDManager
	sink      ShareSink

	// optional collaborators, nil when unconfigured
	redis  *redis.Client
	influx *influx.Client

	shareLogMu    sync.Mutex
	solvedShareMu sync.Mutex

	simulator       bool
	shareTimeWindow time.Duration
	minDifficulty   float64
	maxDifficulty   float64
	readTimeout     time.Duration
	writeTimeout    time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	nowFunc func() time.Time
}

// NewServer wires the core components together. The job repository is
// created here so its broadcasts reach this server's connection table.
func NewServer(cfg *config.Config, kafkaClient *messaging.KafkaClient, userInfo *UserInfo,
	redisClient *redis.Client, influxClient *influx.Client, logger *log.Logger) (*Server, error) {

	idManager, err := NewSessionIDManager(cfg.ServerID)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger.WithComponent("server"),
		conns:           make(map[uint32]*Session),
		userInfo:        userInfo,
		idManager:       idManager,
		sink:            kafkaClient,
		redis:           redisClient,
		influx:          influxClient,
		simulator:       cfg.Simulator,
		shareTimeWindow: cfg.ShareTimeWindow,
		minDifficulty:   cfg.MinDifficulty,
		maxDifficulty:   cfg.MaxDifficulty,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		nowFunc:         time.Now,
	}

	s.jobRepo = NewJobRepository(kafkaClient, cfg.TopicStratumJob, cfg.KafkaGroupID,
		cfg.MiningNotifyInterval, cfg.MaxJobLifetime, s, logger)

	if s.simulator {
		// loud on purpose: every share will be accepted
		s.logger.Warn("SIMULATOR ENABLED, all well-formed shares will be accepted")
	}

	return s, nil
}

// JobRepo exposes the repository, mainly for the node block watcher.
func (s *Server) JobRepo() *JobRepository {
	return s.jobRepo
}

// Start binds the listener and runs the accept loop until the context is
// cancelled. The job repository and user registry are started first so a
// connecting miner can be authorized and served a job immediately.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("server listening", "address", addr, "server_id", s.cfg.ServerID)

	s.userInfo.Start(ctx)
	s.jobRepo.Start(ctx)

	s.wg.Add(1)
	go s.runGauge(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("accept failed")
				continue
			}
		}

		s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sessionID, err := s.idManager.AllocSessionID()
	if err != nil {
		// exhausted: close with no response, the miner will retry elsewhere
		s.logger.Error("session ids exhausted, dropping connection",
			"remote_addr", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	session := NewSession(sessionID, conn, s, s.logger)

	s.connsMu.Lock()
	s.conns[sessionID] = session
	s.connsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.Run(ctx)
	}()
}

// removeSession drops a closed session from the table and recycles its id.
func (s *Server) removeSession(session *Session) {
	s.connsMu.Lock()
	_, present := s.conns[session.ID()]
	delete(s.conns, session.ID())
	s.connsMu.Unlock()

	if present {
		s.idManager.FreeSessionID(session.ID())
	}
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// SendMiningNotifyToAll composes the per-session notify line and enqueues it
// on every authorized session. Best effort: a slow peer is disconnected by
// its own SendLine, never blocking the rest of the table.
func (s *Server) SendMiningNotifyToAll(exJob *StratumJobEx, clean bool) {
	s.connsMu.RLock()
	sessions := make([]*Session, 0, len(s.conns))
	for _, sess := range s.conns {
		if sess.IsAuthorized() {
			sessions = append(sessions, sess)
		}
	}
	s.connsMu.RUnlock()

	for _, sess := range sessions {
		sess.SendLine(exJob.MiningNotify(sess.ExtraNonce1(), clean))
	}

	s.logger.LogJobBroadcast(exJob.Job.JobID, exJob.Job.Height, clean, len(sessions))

	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.redis.SetLatestJob(ctx, exJob.Job.JobID, exJob.Job.Height); err != nil {
			s.logger.WithError(err).Debug("failed to publish latest job")
		}
		cancel()
	}
}

// CheckShare validates one submission and emits the outcome. The returned
// status is what the session reports back to the miner.
func (s *Server) CheckShare(sess *Session, jobID uint64, extraNonce2Hex string, nTime, nonce uint32) ShareStatus {
	now := s.nowFunc()
	window := uint32(s.shareTimeWindow / time.Second)

	record := &ShareRecord{
		JobID:     jobID,
		WorkerID:  sess.WorkerID(),
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		IP:        ipToUint32(sess.conn.RemoteAddr()),
		ShareDiff: uint64(sess.Difficulty()),
		NTime:     nTime,
		Nonce:     nonce,
		Timestamp: uint32(now.Unix()),
	}
	if en2, err := strconv.ParseUint(extraNonce2Hex, 16, 64); err == nil {
		record.ExtraNonce2 = en2
	}

	exJob := s.jobRepo.Get(jobID)
	if exJob == nil {
		return s.finishShare(sess, record, nil, StatusErrJobNotFound)
	}

	job := exJob.Job
	record.Height = job.Height

	// time window: [job.nTime, job.nTime + window], and no more than window
	// away from the wall clock in either direction
	if nTime < job.NTime || int64(nTime) < now.Unix()-int64(window) {
		return s.finishShare(sess, record, exJob, StatusErrTimeTooOld)
	}
	if nTime > job.NTime+window || int64(nTime) > now.Unix()+int64(window) {
		return s.finishShare(sess, record, exJob, StatusErrTimeTooNew)
	}

	if sess.CheckAndRecordSubmit(jobID, extraNonce2Hex, nTime, nonce) {
		return s.finishShare(sess, record, exJob, StatusErrDuplicateShare)
	}

	// stale work is still emitted, flagged, for accounting and anti-cheat
	if exJob.IsStale() {
		return s.finishShare(sess, record, exJob, StatusAcceptedStale)
	}

	coinbaseBin, err := exJob.GenerateCoinbase(sess.ExtraNonce1(), extraNonce2Hex)
	if err != nil {
		// malformed submissions never reach the share log
		return StatusErrMalformedExtraNonce2
	}

	if s.simulator {
		return s.finishShare(sess, record, exJob, StatusAccepted)
	}

	header := exJob.GenerateHeader(coinbaseBin, nTime, nonce)
	headerHash := bitcoin.DoubleSHA256(header[:])
	hashValue := bitcoin.HashToBig(&headerHash)

	workerTarget := bitcoin.DiffToTarget(sess.Difficulty())
	if hashValue.Cmp(workerTarget) > 0 {
		return s.finishShare(sess, record, exJob, StatusErrLowDifficulty)
	}

	if hashValue.Cmp(job.NetworkTarget()) <= 0 {
		block := &FoundBlock{
			JobID:          jobID,
			WorkerID:       sess.WorkerID(),
			UserID:         sess.UserID(),
			Height:         job.Height,
			Header:         header,
			WorkerFullName: sess.WorkerFullName(),
		}
		s.sendSolvedShareToKafka(block, coinbaseBin)
		s.logger.LogBlockSolved(jobID, job.Height, sess.WorkerFullName())
		return s.finishShare(sess, record, exJob, StatusSolvedBlock)
	}

	return s.finishShare(sess, record, exJob, StatusAccepted)
}

// finishShare stamps the classification, emits the record and metrics, and
// returns the status unchanged.
func (s *Server) finishShare(sess *Session, record *ShareRecord, exJob *StratumJobEx, status ShareStatus) ShareStatus {
	record.Result = uint32(status)
	s.sendShareToKafka(record)

	s.logger.LogShare(sess.WorkerFullName(), record.JobID, record.ShareDiff, status.String())

	if s.influx != nil {
		s.influx.WriteShareMetric(record.UserID, record.WorkerID, record.ShareDiff, status.String())
		if status == StatusSolvedBlock && exJob != nil {
			s.influx.WriteBlockMetric(exJob.Job.Height, record.JobID, record.UserID, record.WorkerID)
		}
	}

	return status
}

// sendShareToKafka emits a record on the ShareLog topic. Fire and forget;
// the producer lock is a leaf lock.
func (s *Server) sendShareToKafka(record *ShareRecord) {
	data := record.Marshal()

	s.shareLogMu.Lock()
	defer s.shareLogMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Publish(ctx, s.cfg.TopicShareLog, nil, data); err != nil {
		s.logger.WithError(err).Error("failed to publish share", "job_id", record.JobID)
	}
}

// sendSolvedShareToKafka emits a solved share with the full header and
// coinbase bytes.
func (s *Server) sendSolvedShareToKafka(block *FoundBlock, coinbaseBin []byte) {
	data := block.Marshal(coinbaseBin)

	s.solvedShareMu.Lock()
	defer s.solvedShareMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Publish(ctx, s.cfg.TopicSolvedShare, nil, data); err != nil {
		s.logger.WithError(err).Error("failed to publish solved share",
			"job_id", block.JobID, "height", block.Height)
	}
}

// runGauge periodically publishes the live connection count.
func (s *Server) runGauge(ctx context.Context) {
	defer s.wg.Done()

	if s.redis == nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gaugeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.redis.SetConnectionCount(gaugeCtx, s.SessionCount()); err != nil {
				s.logger.WithError(err).Debug("failed to publish connection count")
			}
			cancel()
		}
	}
}

// Shutdown stops accepting, closes every session and drains the components
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.connsMu.RLock()
	sessions := make([]*Session, 0, len(s.conns))
	for _, sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.connsMu.RUnlock()
	for _, sess := range sessions {
		sess.Close()
	}

	s.jobRepo.Stop()
	s.userInfo.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline exceeded")
		return ctx.Err()
	}
}

// ipToUint32 packs an IPv4 peer address for the share record; IPv6 and
// non-TCP addresses map to zero.
func ipToUint32(addr net.Addr) uint32 {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}
