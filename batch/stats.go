package batch

import (
	"sync"
	"time"
)

// Statistics accumulates counters and timings across DetectBatch calls.
// Only the owning orchestrator mutates it; callers read via Summary.
type Statistics struct {
	mu              sync.Mutex
	totalImages     int64
	successful      int64
	failed          int64
	processingTimes []time.Duration
	sizes           []int
}

// Summary is a point-in-time snapshot of Statistics.
type Summary struct {
	TotalImages   int64           `json:"totalImages"`
	Successful    int64           `json:"successful"`
	Failed        int64           `json:"failed"`
	SubBatches    int             `json:"subBatches"`
	TotalTime     time.Duration   `json:"totalTime"`
	AverageTime   time.Duration   `json:"averageTime"`
	SubBatchSizes []int           `json:"subBatchSizes"`
	SubBatchTimes []time.Duration `json:"subBatchTimes"`
}

func (s *Statistics) recordChunk(size int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	s.processingTimes = append(s.processingTimes, elapsed)
}

func (s *Statistics) recordOutcome(total, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalImages += int64(total)
	s.failed += int64(failed)
	s.successful += int64(total - failed)
}

// Summary returns a copy of the accumulated counters. The slices are
// copied so callers can never mutate the accumulator.
func (s *Statistics) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Summary{
		TotalImages:   s.totalImages,
		Successful:    s.successful,
		Failed:        s.failed,
		SubBatches:    len(s.sizes),
		SubBatchSizes: append([]int(nil), s.sizes...),
		SubBatchTimes: append([]time.Duration(nil), s.processingTimes...),
	}
	for _, d := range s.processingTimes {
		out.TotalTime += d
	}
	if len(s.processingTimes) > 0 {
		out.AverageTime = out.TotalTime / time.Duration(len(s.processingTimes))
	}
	return out
}
