package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/evoshield/internal/metrics"
	"github.com/clawinfra/evoshield/internal/wal"
)

// DefaultQueueSize bounds the async write queue.
const DefaultQueueSize = 1024

// Writer puts an asynchronous front on a Store so Append never blocks the
// decision path. Failed writes are spilled to a WAL and drained later.
type Writer struct {
	store   Store
	spill   *wal.WAL
	metrics *metrics.Registry
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Experience
	wg     sync.WaitGroup
}

// NewWriter creates a writer. spill and m may be nil.
func NewWriter(s Store, spill *wal.WAL, m *metrics.Registry, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		store:   s,
		spill:   spill,
		metrics: m,
		logger:  logger.With("component", "replay-writer"),
		timeout: 5 * time.Second,
		queue:   make(chan Experience, queueSize),
	}
}

// Start launches the background writer. It exits when ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Writer) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				return
			}
			w.write(ctx, e)
			w.metrics.SetReplayQueueDepth(len(w.queue))
		case <-ctx.Done():
			// Flush what is already queued so a shutdown does not lose experiences.
			for {
				select {
				case e, ok := <-w.queue:
					if !ok {
						return
					}
					w.write(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Append enqueues an experience. It never blocks; a full queue spills directly.
func (w *Writer) Append(_ context.Context, e Experience) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.spillExperience(e)
		return nil
	}
	select {
	case w.queue <- e:
		w.metrics.SetReplayQueueDepth(len(w.queue))
	default:
		w.logger.Warn("replay queue full, spilling", "agent", e.Agent, "id", e.ID)
		w.metrics.ReplayDrop()
		w.spillExperience(e)
	}
	return nil
}

func (w *Writer) write(ctx context.Context, e Experience) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.store.Append(ctx, e); err != nil {
		w.logger.Error("replay append failed", "agent", e.Agent, "id", e.ID, "error", err)
		w.metrics.ReplayWriteFailed()
		w.spillExperience(e)
	}
}

func (w *Writer) spillExperience(e Experience) {
	if w.spill == nil {
		return
	}
	if _, err := w.spill.Append(e.Agent, wal.KindExperience, e); err != nil {
		w.logger.Error("replay spill failed", "agent", e.Agent, "id", e.ID, "error", err)
		return
	}
	w.metrics.ReplaySpill()
}

// Drain replays spilled experiences into the store and compacts the log.
// It returns how many were written.
func (w *Writer) Drain(ctx context.Context) (int, error) {
	if w.spill == nil {
		return 0, nil
	}
	var written int
	for _, entry := range w.spill.Unapplied() {
		if entry.Kind != wal.KindExperience {
			continue
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		var e Experience
		if err := json.Unmarshal(entry.Payload, &e); err != nil {
			w.logger.Warn("dropping undecodable spill entry", "seq", entry.Seq, "error", err)
			_ = w.spill.MarkApplied(entry.Seq)
			continue
		}
		if err := w.store.Append(ctx, e); err != nil {
			return written, fmt.Errorf("drain seq %d: %w", entry.Seq, err)
		}
		if err := w.spill.MarkApplied(entry.Seq); err != nil {
			return written, fmt.Errorf("ack seq %d: %w", entry.Seq, err)
		}
		written++
	}
	if err := w.spill.Compact(); err != nil {
		return written, fmt.Errorf("compact spill: %w", err)
	}
	if written > 0 {
		w.logger.Info("drained replay spill", "written", written)
	}
	return written, nil
}

// Close stops accepting experiences and waits for queued ones to be written.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

// Store returns the underlying store for reads.
func (w *Writer) Store() Store { return w.store }
