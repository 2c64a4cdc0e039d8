package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"AsyncDetServer/logger"
)

var (
	proc process.Process

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	// DetectTotal counts completed single-image detections.
	DetectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of single-image detections processed",
	})
	// BatchTotal counts completed batch calls.
	BatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_requests_total",
		Help: "Total number of batch detection requests processed",
	})
	// FallbackTotal counts sub-batches that needed per-item fallback.
	FallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_fallbacks_total",
		Help: "Total number of sub-batches degraded to per-item processing",
	})
	// ActiveWorkers mirrors the pool's in-flight task count.
	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_workers",
		Help: "Detection tasks currently executing",
	})
)

var srv *http.Server

func prom(port int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage, DetectTotal, BatchTotal, FallbackTotal, ActiveWorkers)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Errorf("metrics server error: %v", err)
		}
	}()
}

func sampleProcess() {
	memInfo, err := proc.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := proc.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process CPU/memory every
// 500ms until ctx is cancelled.
func StartMon(ctx context.Context, port int) {
	proc = process.Process{Pid: int32(os.Getpid())}
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.S().Errorf("metrics server shutdown error: %v", err)
			}
			return
		case <-ticker.C:
			sampleProcess()
		}
	}
}
