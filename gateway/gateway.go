// Package gateway wraps a synchronous detection backend with a bounded
// worker pool, exposing non-blocking single-item and batch detection
// plus an explicit shutdown lifecycle.
package gateway

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"AsyncDetServer/batch"
	iface "AsyncDetServer/interface"
	"AsyncDetServer/logger"
	"AsyncDetServer/pool"
)

// ErrShutdown is returned by every detection entry point after Shutdown.
var ErrShutdown = errors.New("gateway is shut down")

// Gateway lifecycle states. The only transition is active -> shutdown.
const (
	stateActive = iota
	stateShutdown
)

// Gateway owns one detector, one worker pool and one batch orchestrator.
type Gateway struct {
	detector         iface.Backend
	workers          *pool.BoundedWorkerPool
	orchestrator     *batch.Orchestrator
	defaultBatchSize int

	mu    sync.Mutex
	state int
}

// StatsSnapshot is the read-only observability view of a gateway.
type StatsSnapshot struct {
	MaxWorkers       int           `json:"maxWorkers"`
	DefaultBatchSize int           `json:"defaultBatchSize"`
	Shutdown         bool          `json:"shutdown"`
	DetectorLoaded   bool          `json:"detectorLoaded"`
	ActiveWorkers    int           `json:"activeWorkers"`
	QueuedTasks      int           `json:"queuedTasks"`
	Batches          batch.Summary `json:"batches"`
}

// New constructs an active gateway. Invalid parameters fail here with a
// descriptive error; nothing is clamped silently.
func New(detector iface.Backend, maxWorkers, defaultBatchSize int) (*Gateway, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector must not be nil")
	}
	if maxWorkers < 1 {
		return nil, fmt.Errorf("maxWorkers must be >= 1, got %d", maxWorkers)
	}
	if defaultBatchSize < 1 {
		return nil, fmt.Errorf("defaultBatchSize must be >= 1, got %d", defaultBatchSize)
	}
	workers, err := pool.NewBoundedWorkerPool(maxWorkers)
	if err != nil {
		return nil, err
	}
	orch, err := batch.NewOrchestrator(detector, workers)
	if err != nil {
		workers.Shutdown(false)
		return nil, err
	}
	logger.Log().Info("gateway created",
		zap.Int("maxWorkers", maxWorkers),
		zap.Int("defaultBatchSize", defaultBatchSize))
	return &Gateway{
		detector:         detector,
		workers:          workers,
		orchestrator:     orch,
		defaultBatchSize: defaultBatchSize,
		state:            stateActive,
	}, nil
}

func (g *Gateway) checkActive() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateActive {
		return ErrShutdown
	}
	return nil
}

// DetectAsync submits one image for detection and returns immediately.
// Structural image problems are rejected on the calling side, before any
// worker slot is occupied.
func (g *Gateway) DetectAsync(img iface.ImageData) (*pool.Handle, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	h, err := g.workers.Submit(func() (any, error) {
		res, err := g.detector.Detect(img)
		if err != nil {
			return nil, fmt.Errorf("async detection failed: %w", err)
		}
		return res, nil
	})
	if errors.Is(err, pool.ErrPoolClosed) {
		// shutdown raced the state check
		return nil, ErrShutdown
	}
	return h, err
}

// DetectBatch processes imgs synchronously through the orchestrator.
// batchSize <= 0 selects the gateway default. The returned error may be
// a *iface.PartialBatchError, in which case the result slice is still
// complete and ordered.
func (g *Gateway) DetectBatch(imgs []iface.ImageData, batchSize int) ([]iface.DetectionResult, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = g.defaultBatchSize
	}
	return g.orchestrator.Run(imgs, batchSize)
}

// DetectBatchAsync dispatches each sub-batch as an independent pool task
// and gathers the results into one handle. Unlike DetectBatch there is
// no per-item fallback: the first sub-batch failure fails the whole
// call. Callers choose the variant matching the failure tolerance they
// want.
func (g *Gateway) DetectBatchAsync(imgs []iface.ImageData, batchSize int) (*pool.Handle, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("image list must not be empty")
	}
	if batchSize <= 0 {
		batchSize = g.defaultBatchSize
	}

	chunks := batch.Chunk(imgs, batchSize)
	handles := make([]*pool.Handle, 0, len(chunks))
	for _, chunk := range chunks {
		chunk := chunk
		h, err := g.workers.Submit(func() (any, error) {
			res, err := g.detector.DetectBatch(chunk)
			if err != nil {
				return nil, fmt.Errorf("async batch detection failed: %w", err)
			}
			if len(res) != len(chunk) {
				return nil, fmt.Errorf("detector returned %d results for %d images",
					len(res), len(chunk))
			}
			return res, nil
		})
		if err != nil {
			if errors.Is(err, pool.ErrPoolClosed) {
				return nil, ErrShutdown
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	out := pool.NewHandle()
	go func() {
		results := make([]iface.DetectionResult, 0, len(imgs))
		for _, h := range handles {
			value, err := h.Wait()
			if err != nil {
				out.Complete(nil, err)
				return
			}
			results = append(results, value.([]iface.DetectionResult)...)
		}
		out.Complete(results, nil)
	}()
	return out, nil
}

// Shutdown moves the gateway to its terminal state. wait=true drains
// queued and in-flight work; wait=false cancels queued work but still
// lets running detections finish. A second call is a no-op.
func (g *Gateway) Shutdown(wait bool) {
	g.mu.Lock()
	if g.state == stateShutdown {
		g.mu.Unlock()
		return
	}
	g.state = stateShutdown
	g.mu.Unlock()
	logger.Log().Info("gateway shutting down", zap.Bool("wait", wait))
	g.workers.Shutdown(wait)
}

// Stats returns a non-blocking observability snapshot.
func (g *Gateway) Stats() StatsSnapshot {
	g.mu.Lock()
	shutdown := g.state == stateShutdown
	g.mu.Unlock()
	return StatsSnapshot{
		MaxWorkers:       g.workers.Size(),
		DefaultBatchSize: g.defaultBatchSize,
		Shutdown:         shutdown,
		DetectorLoaded:   g.detector.IsLoaded(),
		ActiveWorkers:    g.workers.Active(),
		QueuedTasks:      g.workers.Queued(),
		Batches:          g.orchestrator.Stats().Summary(),
	}
}
