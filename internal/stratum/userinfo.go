package stratum

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/yuchuanzhen/btcpool/pkg/errors"
	"github.com/yuchuanzhen/btcpool/pkg/log"
	"github.com/yuchuanzhen/btcpool/pkg/retry"
)

const (
	maxWorkerNameLen = 20
	maxMinerAgentLen = 30

	// workerQueueCap bounds the pending worker queue; on overflow the oldest
	// record is dropped with a warning.
	workerQueueCap = 2048

	// workerInsertAttempts bounds re-queueing of a record that failed to
	// persist.
	workerInsertAttempts = 3
)

// WorkerName is a pending worker identity record.
type WorkerName struct {
	UserID     int32
	WorkerID   int64
	WorkerName string
	MinerAgent string

	attempts int
}

// WorkerStore persists worker identity records. Implemented by
// postgres.WorkerRepository.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, userID int32, workerID int64, workerName, minerAgent string) error
}

// apiUserEntry is one element of the user API response.
type apiUserEntry struct {
	Name string `json:"puname"`
	ID   int32  `json:"puid"`
}

// UserInfo resolves mining user names to pool-internal ids and persists
// newly-seen workers without blocking the session hot path.
//
// The name->id mapping is refreshed by polling the user API with a cursor;
// lookups take a read lock, the refresher takes the write lock. Worker
// records go through a bounded queue drained by a dedicated writer.
type UserInfo struct {
	logger     *log.Logger
	apiURL     string
	httpClient *http.Client
	interval   time.Duration

	rw            sync.RWMutex
	nameIDs       map[string]int32
	lastMaxUserID int32

	workerMu sync.Mutex
	workerQ  []WorkerName

	store       WorkerStore
	retryConfig *retry.Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewUserInfo creates a registry polling the given API and writing workers
// to the given store.
func NewUserInfo(apiURL string, interval time.Duration, store WorkerStore, logger *log.Logger) *UserInfo {
	return &UserInfo{
		logger:      logger.WithComponent("userinfo"),
		apiURL:      apiURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		interval:    interval,
		nameIDs:     make(map[string]int32),
		store:       store,
		retryConfig: retry.DatabaseConfig(),
	}
}

// Start spawns the refresh loop and the worker writer.
func (u *UserInfo) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(2)
	go u.runUpdate(ctx)
	go u.runInsertWorker(ctx)
}

// Stop signals both tasks and waits for them.
func (u *UserInfo) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// GetUserID resolves a user name against the cached mapping.
func (u *UserInfo) GetUserID(userName string) (int32, bool) {
	u.rw.RLock()
	defer u.rw.RUnlock()
	id, ok := u.nameIDs[userName]
	return id, ok
}

// AddWorker queues a worker identity record for durable persistence. Names
// are clamped to the schema limits. When the queue is full the oldest
// pending record is dropped.
func (u *UserInfo) AddWorker(userID int32, workerID int64, workerName, minerAgent string) {
	if len(workerName) > maxWorkerNameLen {
		workerName = workerName[:maxWorkerNameLen]
	}
	if len(minerAgent) > maxMinerAgentLen {
		minerAgent = minerAgent[:maxMinerAgentLen]
	}

	u.workerMu.Lock()
	defer u.workerMu.Unlock()

	if len(u.workerQ) >= workerQueueCap {
		dropped := u.workerQ[0]
		u.workerQ = u.workerQ[1:]
		u.logger.Warn("worker queue full, dropping oldest record",
			"user_id", dropped.UserID, "worker_id", dropped.WorkerID)
	}

	u.workerQ = append(u.workerQ, WorkerName{
		UserID:     userID,
		WorkerID:   workerID,
		WorkerName: workerName,
		MinerAgent: minerAgent,
	})
}

// UpdateUsers performs one refresh of the name->id mapping. Failures leave
// the current mapping intact.
func (u *UserInfo) UpdateUsers(ctx context.Context) error {
	u.rw.RLock()
	sinceID := u.lastMaxUserID
	u.rw.RUnlock()

	url := fmt.Sprintf("%s?last_id=%d", u.apiURL, sinceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeHTTP, "update_users", "failed to build request")
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeHTTP, "update_users", "user API request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrorTypeHTTP, "update_users",
			"user API returned non-2xx").
			WithContext("status", resp.StatusCode)
	}

	var entries []apiUserEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "update_users", "malformed user API response")
	}

	if len(entries) == 0 {
		return nil
	}

	u.rw.Lock()
	for _, e := range entries {
		u.nameIDs[e.Name] = e.ID
		if e.ID > u.lastMaxUserID {
			u.lastMaxUserID = e.ID
		}
	}
	count := len(u.nameIDs)
	u.rw.Unlock()

	u.logger.Debug("user mapping refreshed", "added", len(entries), "total", count)
	return nil
}

func (u *UserInfo) runUpdate(ctx context.Context) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// prime the mapping before the first tick
	if err := u.UpdateUsers(ctx); err != nil {
		u.logger.WithError(err).Warn("initial user refresh failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.UpdateUsers(ctx); err != nil {
				u.logger.WithError(err).Warn("user refresh failed, retaining mapping")
			}
		}
	}
}

func (u *UserInfo) runInsertWorker(ctx context.Context) {
	defer u.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// final best-effort drain with a bounded deadline
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			u.drainWorkerQueue(drainCtx)
			cancel()
			return
		case <-ticker.C:
			u.drainWorkerQueue(ctx)
		}
	}
}

func (u *UserInfo) drainWorkerQueue(ctx context.Context) {
	for {
		u.workerMu.Lock()
		if len(u.workerQ) == 0 {
			u.workerMu.Unlock()
			return
		}
		w := u.workerQ[0]
		u.workerQ = u.workerQ[1:]
		u.workerMu.Unlock()

		err := retry.Do(ctx, u.retryConfig, func() error {
			if err := u.store.UpsertWorker(ctx, w.UserID, w.WorkerID, w.WorkerName, w.MinerAgent); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "insert_worker", "failed to upsert worker")
			}
			return nil
		})
		if err != nil {
			w.attempts++
			if w.attempts < workerInsertAttempts {
				u.workerMu.Lock()
				u.workerQ = append(u.workerQ, w)
				u.workerMu.Unlock()
			} else {
				u.logger.WithError(err).Error("abandoning worker record",
					"user_id", w.UserID, "worker_id", w.WorkerID)
			}
			return
		}
	}
}

// QueueLen reports the number of pending worker records.
func (u *UserInfo) QueueLen() int {
	u.workerMu.Lock()
	defer u.workerMu.Unlock()
	return len(u.workerQ)
}
