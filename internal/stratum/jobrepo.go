package stratum

import (
	"context"
	"sync"
	"time"

	"github.com/yuchuanzhen/btcpool/internal/messaging"
	"github.com/yuchuanzhen/btcpool/pkg/log"
)

// JobNotifier receives mining jobs for fan-out to connected sessions.
// Implemented by Server; split out so the repository can be tested alone.
type JobNotifier interface {
	SendMiningNotifyToAll(exJob *StratumJobEx, clean bool)
}

// JobRepository consumes mining templates from the bus, owns the currently
// mineable job set, retires stale work and drives the broadcast cadence.
//
// A single mutex serializes the job map so MarkAllJobsStale is atomic with
// respect to GetLatest; it is held only for map operations, never across I/O.
type JobRepository struct {
	logger   *log.Logger
	kafka    *messaging.KafkaClient
	topic    string
	groupID  string
	notifier JobNotifier

	maxJobLifetime time.Duration
	notifyInterval time.Duration

	mu             sync.Mutex
	exJobs         map[uint64]*StratumJobEx
	latestPrevHash string
	lastSendTime   time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc

	nowFunc func() time.Time
}

// NewJobRepository creates a repository consuming the given topic.
func NewJobRepository(kafkaClient *messaging.KafkaClient, topic, groupID string,
	notifyInterval, maxJobLifetime time.Duration, notifier JobNotifier, logger *log.Logger) *JobRepository {
	return &JobRepository{
		logger:         logger.WithComponent("jobrepo"),
		kafka:          kafkaClient,
		topic:          topic,
		groupID:        groupID,
		notifier:       notifier,
		maxJobLifetime: maxJobLifetime,
		notifyInterval: notifyInterval,
		exJobs:         make(map[uint64]*StratumJobEx),
		nowFunc:        time.Now,
	}
}

// Start spawns the ingest task and the broadcast-cadence task.
func (r *JobRepository) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.runConsume(ctx)
	go r.runTicker(ctx)
}

// Stop signals both tasks and waits for them to drain.
func (r *JobRepository) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Get returns the ex-job for a job id, or nil if unknown.
func (r *JobRepository) Get(jobID uint64) *StratumJobEx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exJobs[jobID]
}

// GetLatest returns the non-stale ex-job with the highest job id, or nil.
// The order in which templates arrived is not tracked; a template with a
// lower job id than a held one is never returned as latest.
func (r *JobRepository) GetLatest() *StratumJobEx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestLocked()
}

func (r *JobRepository) latestLocked() *StratumJobEx {
	var latest *StratumJobEx
	for _, ex := range r.exJobs {
		if ex.IsStale() {
			continue
		}
		if latest == nil || ex.Job.JobID > latest.Job.JobID {
			latest = ex
		}
	}
	return latest
}

// MarkAllJobsStale bulk-transitions every job, used on chain reorganization.
func (r *JobRepository) MarkAllJobsStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markAllStaleLocked()
}

func (r *JobRepository) markAllStaleLocked() {
	for _, ex := range r.exJobs {
		ex.MarkStale()
	}
}

// OnBlockHash handles a tip notification from the node watcher. A hash that
// differs from the latest template's prev-hash means the chain moved: every
// current job is retired ahead of the next template on the bus. The tracked
// prev-hash is left untouched so that template still broadcasts clean.
func (r *JobRepository) OnBlockHash(blockHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if blockHash == r.latestPrevHash {
		return
	}
	r.logger.Info("chain tip moved, retiring jobs", "block_hash", blockHash)
	r.markAllStaleLocked()
}

// HandleJobMessage ingests one template message from the bus. Decode
// failures are logged and discarded.
func (r *JobRepository) HandleJobMessage(data []byte) {
	job, err := NewStratumJobFromMessage(data)
	if err != nil {
		r.logger.WithError(err).Error("discarding undecodable job message")
		return
	}

	r.mu.Lock()
	isClean := job.PrevHash != r.latestPrevHash
	if isClean {
		r.markAllStaleLocked()
		r.latestPrevHash = job.PrevHash
	}
	exJob := NewStratumJobEx(job, isClean)
	r.exJobs[job.JobID] = exJob
	r.mu.Unlock()

	r.logger.Info("job accepted",
		"job_id", job.JobID,
		"height", job.Height,
		"prev_hash", job.PrevHash,
		"clean", isClean,
	)

	r.sendMiningNotify(exJob, isClean)
}

func (r *JobRepository) sendMiningNotify(exJob *StratumJobEx, clean bool) {
	if r.notifier != nil {
		r.notifier.SendMiningNotifyToAll(exJob, clean)
	}
	r.mu.Lock()
	r.lastSendTime = r.nowFunc()
	r.mu.Unlock()
}

func (r *JobRepository) runConsume(ctx context.Context) {
	defer r.wg.Done()

	reader := r.kafka.GetConsumer(r.topic, r.groupID)
	r.logger.Info("consuming templates", "topic", r.topic)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("template consumer stopping")
			return
		default:
		}

		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("failed to read template message")
			continue
		}

		r.HandleJobMessage(msg.Value)
	}
}

func (r *JobRepository) runTicker(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.notifyInterval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAndSendMiningNotify()
			r.tryCleanExpiredJobs()
		}
	}
}

// checkAndSendMiningNotify re-broadcasts the latest non-stale job with
// clean_jobs=false when nothing has been sent for a full interval. This
// keeps idle miners synchronized across NATs that drop quiet TCP flows.
func (r *JobRepository) checkAndSendMiningNotify() {
	r.mu.Lock()
	due := r.nowFunc().Sub(r.lastSendTime) >= r.notifyInterval
	var latest *StratumJobEx
	if due {
		latest = r.latestLocked()
	}
	r.mu.Unlock()

	if latest != nil {
		r.sendMiningNotify(latest, false)
	}
}

// tryCleanExpiredJobs evicts jobs whose template nTime fell behind the
// lifetime threshold.
func (r *JobRepository) tryCleanExpiredJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFunc().Add(-r.maxJobLifetime).Unix()
	for jobID, ex := range r.exJobs {
		if int64(ex.Job.NTime) < cutoff {
			delete(r.exJobs, jobID)
			r.logger.Info("job expired", "job_id", jobID, "height", ex.Job.Height)
		}
	}
}

// JobCount reports the number of jobs currently held.
func (r *JobRepository) JobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exJobs)
}
