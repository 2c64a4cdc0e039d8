package gateway

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "AsyncDetServer/interface"
	"AsyncDetServer/pool"
)

// slowBackend simulates a detector with a fixed per-call latency and
// scriptable failures. Image ids travel in ImageData.Width.
type slowBackend struct {
	mu        sync.Mutex
	latency   time.Duration
	failBatch bool
	detectErr error
	calls     int
}

func testImage(id int) iface.ImageData {
	return iface.ImageData{Data: []byte{0}, Width: id, Height: 1, Channels: 3}
}

func resultFor(id int) iface.DetectionResult {
	res, _ := iface.NewDetectionResult(
		[][4]float32{{0, 0, 1, 1}},
		[]float32{float32(id)},
		[]int32{0},
	)
	return res
}

func (b *slowBackend) Detect(img iface.ImageData) (iface.DetectionResult, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.latency > 0 {
		time.Sleep(b.latency)
	}
	if b.detectErr != nil {
		return iface.DetectionResult{}, b.detectErr
	}
	return resultFor(img.Width), nil
}

func (b *slowBackend) DetectBatch(imgs []iface.ImageData) ([]iface.DetectionResult, error) {
	if b.latency > 0 {
		time.Sleep(b.latency)
	}
	if b.failBatch {
		return nil, errors.New("batch inference failed")
	}
	out := make([]iface.DetectionResult, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, resultFor(img.Width))
	}
	return out, nil
}

func (b *slowBackend) IsLoaded() bool { return true }

func images(n int) []iface.ImageData {
	imgs := make([]iface.ImageData, n)
	for i := range imgs {
		imgs[i] = testImage(i)
	}
	return imgs
}

func TestNew_Validation(t *testing.T) {
	backend := &slowBackend{}

	_, err := New(nil, 4, 8)
	assert.Error(t, err)
	_, err = New(backend, 0, 8)
	assert.Error(t, err)
	_, err = New(backend, 4, 0)
	assert.Error(t, err)

	gw, err := New(backend, 1, 1)
	require.NoError(t, err)
	gw.Shutdown(true)
}

func TestDetectAsync(t *testing.T) {
	gw, err := New(&slowBackend{}, 2, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	h, err := gw.DetectAsync(testImage(7))
	require.NoError(t, err)
	value, err := h.Wait()
	require.NoError(t, err)
	res := value.(iface.DetectionResult)
	assert.Equal(t, float32(7), res.Scores[0])
}

func TestDetectAsync_PreconditionChecks(t *testing.T) {
	backend := &slowBackend{}
	gw, err := New(backend, 2, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	cases := []struct {
		name string
		img  iface.ImageData
	}{
		{"nil data", iface.ImageData{Width: 4, Height: 4, Channels: 3}},
		{"wrong channels", iface.ImageData{Data: []byte{0}, Width: 4, Height: 4, Channels: 1}},
		{"degenerate dims", iface.ImageData{Data: []byte{0}, Width: 0, Height: 4, Channels: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gw.DetectAsync(tc.img)
			assert.Error(t, err)
		})
	}
	// rejected images never reach the detector
	assert.Equal(t, 0, backend.calls)
}

func TestDetectAsync_WrapsDetectorError(t *testing.T) {
	cause := errors.New("native inference blew up")
	gw, err := New(&slowBackend{detectErr: cause}, 1, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	h, err := gw.DetectAsync(testImage(1))
	require.NoError(t, err)
	_, err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "async detection failed")
	assert.ErrorIs(t, err, cause)
}

func TestDetectAsync_NonBlocking(t *testing.T) {
	// 4 detections on 4 workers should finish in about one latency
	// period, not four.
	const latency = 100 * time.Millisecond
	gw, err := New(&slowBackend{latency: latency}, 4, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	start := time.Now()
	handles := make([]*pool.Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := gw.DetectAsync(testImage(i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait()
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 3*latency, "group took %v, expected close to %v", elapsed, latency)
}

func TestDetectBatch_Delegates(t *testing.T) {
	gw, err := New(&slowBackend{}, 2, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	results, err := gw.DetectBatch(images(8), 0) // 0 selects the default
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i, res := range results {
		assert.Equal(t, float32(i), res.Scores[0])
	}
}

func TestDetectBatchAsync_OrderPreserved(t *testing.T) {
	gw, err := New(&slowBackend{}, 3, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	h, err := gw.DetectBatchAsync(images(10), 3)
	require.NoError(t, err)
	value, err := h.Wait()
	require.NoError(t, err)
	results := value.([]iface.DetectionResult)
	require.Len(t, results, 10)
	for i, res := range results {
		assert.Equal(t, float32(i), res.Scores[0])
	}
}

func TestDetectBatchAsync_NoFallback(t *testing.T) {
	// unlike DetectBatch, a failing sub-batch fails the whole call
	gw, err := New(&slowBackend{failBatch: true}, 2, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	h, err := gw.DetectBatchAsync(images(6), 3)
	require.NoError(t, err)
	_, err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "async batch detection failed")

	var partial *iface.PartialBatchError
	assert.False(t, errors.As(err, &partial))
}

func TestDetectBatchAsync_EmptyInput(t *testing.T) {
	gw, err := New(&slowBackend{}, 2, 4)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	_, err = gw.DetectBatchAsync(nil, 4)
	assert.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	gw, err := New(&slowBackend{}, 2, 4)
	require.NoError(t, err)

	gw.Shutdown(true)
	gw.Shutdown(true) // no-op, must not panic or block
	assert.True(t, gw.Stats().Shutdown)
}

func TestFailFastAfterShutdown(t *testing.T) {
	gw, err := New(&slowBackend{}, 2, 4)
	require.NoError(t, err)
	gw.Shutdown(true)

	_, err = gw.DetectAsync(testImage(0))
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = gw.DetectBatch(images(2), 2)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = gw.DetectBatchAsync(images(2), 2)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, 0, gw.Stats().ActiveWorkers)
}

func TestShutdown_ConcurrentWithSubmissions(t *testing.T) {
	gw, err := New(&slowBackend{latency: 5 * time.Millisecond}, 2, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := gw.DetectAsync(testImage(i))
			if err != nil {
				// shutdown won the race, which is fine
				assert.ErrorIs(t, err, ErrShutdown)
				return
			}
			// submitted work either completes or is cancelled, never lost
			_, _ = h.Wait()
		}(i)
	}
	time.Sleep(2 * time.Millisecond)
	gw.Shutdown(true)
	wg.Wait()
}

func TestStats(t *testing.T) {
	gw, err := New(&slowBackend{}, 3, 5)
	require.NoError(t, err)
	defer gw.Shutdown(true)

	_, err = gw.DetectBatch(images(7), 5)
	require.NoError(t, err)

	snap := gw.Stats()
	assert.Equal(t, 3, snap.MaxWorkers)
	assert.Equal(t, 5, snap.DefaultBatchSize)
	assert.False(t, snap.Shutdown)
	assert.True(t, snap.DetectorLoaded)
	assert.Equal(t, int64(7), snap.Batches.TotalImages)
	assert.Equal(t, fmt.Sprintf("%v", []int{5, 2}), fmt.Sprintf("%v", snap.Batches.SubBatchSizes))
}
