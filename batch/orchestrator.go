// Package batch splits arbitrary-length detection requests into
// sub-batches, dispatches them through a bounded worker pool, and
// degrades from batch-level to item-level processing on failure without
// losing already-computed results.
package batch

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	iface "AsyncDetServer/interface"
	"AsyncDetServer/logger"
	"AsyncDetServer/monitor"
	"AsyncDetServer/pool"
)

// Orchestrator turns N input images into exactly N ordered results,
// preferring the detector's native batch path and falling back to
// per-item detection when a sub-batch fails.
type Orchestrator struct {
	detector iface.Backend
	workers  *pool.BoundedWorkerPool
	stats    *Statistics
}

// NewOrchestrator wires an orchestrator to a detector and a pool.
func NewOrchestrator(detector iface.Backend, workers *pool.BoundedWorkerPool) (*Orchestrator, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector must not be nil")
	}
	if workers == nil {
		return nil, fmt.Errorf("worker pool must not be nil")
	}
	return &Orchestrator{
		detector: detector,
		workers:  workers,
		stats:    &Statistics{},
	}, nil
}

// Stats exposes the accumulated batch statistics.
func (o *Orchestrator) Stats() *Statistics {
	return o.stats
}

// Chunk computes the consecutive sub-batches of imgs with size <= batchSize.
// The last chunk may be shorter. Input order is preserved.
func Chunk(imgs []iface.ImageData, batchSize int) [][]iface.ImageData {
	chunks := make([][]iface.ImageData, 0, (len(imgs)+batchSize-1)/batchSize)
	for start := 0; start < len(imgs); start += batchSize {
		end := start + batchSize
		if end > len(imgs) {
			end = len(imgs)
		}
		chunks = append(chunks, imgs[start:end])
	}
	return chunks
}

// Run processes imgs in sub-batches of at most batchSize and returns one
// result per input image, in input order. If any image could not be
// processed by either the batch or the per-item path, the returned error
// is a *iface.PartialBatchError that still carries the full result list.
func (o *Orchestrator) Run(imgs []iface.ImageData, batchSize int) ([]iface.DetectionResult, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("image list must not be empty")
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}

	results := make([]iface.DetectionResult, 0, len(imgs))
	failedItems := 0
	for idx, chunk := range Chunk(imgs, batchSize) {
		start := time.Now()
		chunkResults, err := o.runChunk(chunk)
		if err != nil {
			monitor.FallbackTotal.Inc()
			logger.Log().Warn("sub-batch failed, falling back to per-item detection",
				zap.Int("chunk", idx),
				zap.Int("size", len(chunk)),
				zap.Error(err))
			var failures int
			chunkResults, failures = o.fallback(chunk)
			failedItems += failures
		}
		results = append(results, chunkResults...)
		o.stats.recordChunk(len(chunk), time.Since(start))
	}
	o.stats.recordOutcome(len(imgs), failedItems)

	if failedItems > 0 {
		return results, &iface.PartialBatchError{
			Successful: len(imgs) - failedItems,
			Total:      len(imgs),
			Results:    results,
		}
	}
	return results, nil
}

// runChunk dispatches one sub-batch through the pool's native batch path.
func (o *Orchestrator) runChunk(chunk []iface.ImageData) ([]iface.DetectionResult, error) {
	value, err := o.workers.SubmitAndWait(func() (any, error) {
		return o.detector.DetectBatch(chunk)
	})
	if err != nil {
		return nil, err
	}
	chunkResults, ok := value.([]iface.DetectionResult)
	if !ok {
		return nil, fmt.Errorf("unexpected batch result type %T", value)
	}
	if len(chunkResults) != len(chunk) {
		return nil, fmt.Errorf("detector returned %d results for %d images",
			len(chunkResults), len(chunk))
	}
	return chunkResults, nil
}

// fallback processes each image of a failed sub-batch individually.
// Images the single-item path cannot recover are represented by
// synthetic empty results; the count of those is returned.
func (o *Orchestrator) fallback(chunk []iface.ImageData) ([]iface.DetectionResult, int) {
	results := make([]iface.DetectionResult, 0, len(chunk))
	failures := 0
	for i, img := range chunk {
		value, err := o.workers.SubmitAndWait(func() (any, error) {
			return o.detector.Detect(img)
		})
		if err != nil {
			logger.S().Warnf("per-item fallback failed for image %d: %v", i, err)
			results = append(results, iface.EmptyResult())
			failures++
			continue
		}
		res, ok := value.(iface.DetectionResult)
		if !ok {
			logger.S().Errorf("unexpected detect result type %T", value)
			results = append(results, iface.EmptyResult())
			failures++
			continue
		}
		results = append(results, res)
	}
	return results, failures
}
