// Package estimator computes advisory batch sizes from image dimensions
// and an available memory budget.
package estimator

import (
	"github.com/shirou/gopsutil/v4/mem"

	"AsyncDetServer/logger"
)

const (
	// BytesPerSample assumes float32 tensors after preprocessing.
	BytesPerSample = 4
	// SafetyFactor reserves headroom for transient allocation spikes.
	SafetyFactor = 0.8
	// MaxBatchSize is the hard ceiling regardless of budget, keeping
	// pathological huge batches away from the backend.
	MaxBatchSize = 128
)

// EstimateBatchSize returns a safe batch size for height x width x
// channels images given a per-model baseline cost and an available
// memory budget, all in bytes. The result is clamped to [1, MaxBatchSize]
// and never zero.
func EstimateBatchSize(height, width, channels int, modelBaseline, availableBudget uint64) int {
	if height <= 0 || width <= 0 || channels <= 0 {
		return 1
	}
	memoryPerImage := modelBaseline + uint64(height)*uint64(width)*uint64(channels)*BytesPerSample
	if memoryPerImage == 0 {
		return 1
	}
	usable := uint64(float64(availableBudget) * SafetyFactor)
	size := int(usable / memoryPerImage)
	if size < 1 {
		return 1
	}
	if size > MaxBatchSize {
		return MaxBatchSize
	}
	return size
}

// AutoBatchSize estimates a batch size from the host's currently
// available RAM. It falls back to 1 when the memory probe fails.
func AutoBatchSize(height, width, channels int, modelBaseline uint64) int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.S().Warnf("memory probe failed, defaulting batch size to 1: %v", err)
		return 1
	}
	return EstimateBatchSize(height, width, channels, modelBaseline, vm.Available)
}
