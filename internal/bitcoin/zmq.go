package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/yuchuanzhen/btcpool/pkg/log"
)

// BlockWatcher subscribes to the node's hashblock ZMQ notifications so the
// job repository can retire work the moment the chain tip moves, without
// waiting for the next template on the bus.
type BlockWatcher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockWatcher creates a watcher connected to the given ZMQ endpoint.
func NewBlockWatcher(endpoint string, logger *log.Logger) (*BlockWatcher, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetSubscribe("hashblock"); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}

	if err := socket.SetRcvtimeo(100 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}

	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	return &BlockWatcher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("blockwatcher"),
	}, nil
}

// Listen receives hashblock notifications until the context is cancelled.
// Each new block hash is passed to onNewBlock as a big-endian hex string.
func (w *BlockWatcher) Listen(ctx context.Context, onNewBlock func(blockHash string)) error {
	w.logger.Info("listening for block notifications", "endpoint", w.endpoint)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("block watcher stopping")
			return ctx.Err()
		default:
		}

		msg, err := w.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) { // receive timeout
				continue
			}
			w.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 || string(msg[0]) != "hashblock" {
			w.logger.Warn("malformed ZMQ message", "parts", len(msg))
			continue
		}

		// the node publishes the hash in internal byte order; reverse into
		// the display order the job repository tracks prev-hashes in
		hash := displayHash(msg[1])
		w.logger.Info("new block notification", "hash", hash)
		onNewBlock(hash)
	}
}

// Close closes the ZMQ socket.
func (w *BlockWatcher) Close() error {
	if w.socket != nil {
		return w.socket.Close()
	}
	return nil
}

// displayHash renders a hash payload published in internal byte order as the
// big-endian display hex used everywhere else in the repository.
func displayHash(raw []byte) string {
	rev := make([]byte, len(raw))
	for i, b := range raw {
		rev[len(raw)-1-i] = b
	}
	return hex.EncodeToString(rev)
}
