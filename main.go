package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"AsyncDetServer/config"
	"AsyncDetServer/engine"
	"AsyncDetServer/estimator"
	"AsyncDetServer/gateway"
	iface "AsyncDetServer/interface"
	"AsyncDetServer/logger"
	"AsyncDetServer/monitor"
	"AsyncDetServer/register"
)

const idleTimeout = 30 * time.Second

// modelBaselineBytes is the per-model memory cost assumed when sizing
// batches automatically.
const modelBaselineBytes = 100 << 20

type session struct {
	id          string
	lastActive  time.Time
	conn        *websocket.Conn
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

var (
	sessionMu sync.RWMutex
	sessions  = map[string]*session{}
	upgrader  = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
)

// base64ToImage decodes a base64 string (optionally with a data URL
// prefix) into the gateway's image representation.
func base64ToImage(b64 string) (iface.ImageData, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return iface.ImageData{}, err
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return iface.ImageData{}, err
	}
	defer mat.Close()
	if mat.Empty() {
		return iface.ImageData{}, errors.New("decoded image is empty or unsupported format")
	}
	return iface.ImageData{
		Data:     mat.ToBytes(),
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
	}, nil
}

type detectionJSON struct {
	Box       [4]float32 `json:"box"`
	Score     float32    `json:"score"`
	ClassID   int32      `json:"classId"`
	ClassName string     `json:"className"`
}

func toJSON(det *engine.Detector, res iface.DetectionResult) []detectionJSON {
	out := make([]detectionJSON, 0, res.NumDetections())
	for i := range res.Boxes {
		out = append(out, detectionJSON{
			Box:       res.Boxes[i],
			Score:     res.Scores[i],
			ClassID:   res.Classes[i],
			ClassName: det.ClassName(res.Classes[i]),
		})
	}
	return out
}

func releaseSession(sessionID string) bool {
	sessionMu.Lock()
	sess, ok := sessions[sessionID]
	if ok {
		delete(sessions, sessionID)
	}
	sessionMu.Unlock()
	if !ok {
		return false
	}
	sess.closeOnce.Do(func() {
		if sess.conn != nil {
			_ = sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session released"))
			_ = sess.conn.Close()
		}
	})
	sess.cancelOnce.Do(func() {
		close(sess.cancelTimer)
	})
	return true
}

func startIdleMonitor(sess *session) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sess.cancelTimer:
				return
			case <-ticker.C:
				if time.Since(sess.lastActive) > idleTimeout {
					_ = releaseSession(sess.id)
					logger.S().Infof("session %s idle timeout", sess.id)
					return
				}
			}
		}
	}()
}

func getOutboundIP() (string, error) {
	// No traffic is sent; dialing only resolves the route's local address.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func buildRouter(gw *gateway.Gateway, det *engine.Detector) *gin.Engine {
	r := gin.Default()

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.POST("/api/detect", func(c *gin.Context) {
		var req struct {
			Image string `json:"image"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		img, err := base64ToImage(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
			return
		}
		handle, err := gw.DetectAsync(img)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, gateway.ErrShutdown) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		value, err := handle.Wait()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		monitor.DetectTotal.Inc()
		res := value.(iface.DetectionResult)
		c.JSON(http.StatusOK, gin.H{"data": toJSON(det, res)})
	})

	r.POST("/api/detect/batch", func(c *gin.Context) {
		var req struct {
			Images    []string `json:"images"`
			BatchSize int      `json:"batchSize"`
			AutoSize  bool     `json:"autoBatchSize"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		imgs := make([]iface.ImageData, 0, len(req.Images))
		for i, b64 := range req.Images {
			img, err := base64ToImage(b64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid image %d: %v", i, err)})
				return
			}
			imgs = append(imgs, img)
		}
		batchSize := req.BatchSize
		if req.AutoSize && len(imgs) > 0 {
			first := imgs[0]
			batchSize = estimator.AutoBatchSize(first.Height, first.Width, first.Channels, modelBaselineBytes)
		}
		results, err := gw.DetectBatch(imgs, batchSize)
		monitor.BatchTotal.Inc()
		var partial *iface.PartialBatchError
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"data": batchJSON(det, results)})
		case errors.As(err, &partial):
			// degraded success: the full ordered result list is still usable
			c.JSON(http.StatusOK, gin.H{
				"data":       batchJSON(det, partial.Results),
				"partial":    true,
				"successful": partial.Successful,
				"total":      partial.Total,
			})
		case errors.Is(err, gateway.ErrShutdown):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	})

	r.POST("/api/detect/batch/async", func(c *gin.Context) {
		var req struct {
			Images    []string `json:"images"`
			BatchSize int      `json:"batchSize"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		imgs := make([]iface.ImageData, 0, len(req.Images))
		for i, b64 := range req.Images {
			img, err := base64ToImage(b64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid image %d: %v", i, err)})
				return
			}
			imgs = append(imgs, img)
		}
		handle, err := gw.DetectBatchAsync(imgs, req.BatchSize)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, gateway.ErrShutdown) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		value, err := handle.Wait()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		monitor.BatchTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"data": batchJSON(det, value.([]iface.DetectionResult))})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": gw.Stats()})
	})

	r.POST("/api/models/upload", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file upload failed: " + err.Error()})
			return
		}
		modelPath := fmt.Sprintf("./models/%s", file.Filename)
		if err := c.SaveUploadedFile(file, modelPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": modelPath})
	})

	r.POST("/api/sessions/alloc", func(c *gin.Context) {
		sessionID := uuid.New().String()
		sess := &session{
			id:          sessionID,
			lastActive:  time.Now(),
			cancelTimer: make(chan struct{}),
		}
		sessionMu.Lock()
		sessions[sessionID] = sess
		sessionMu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"sessionID": sessionID,
			"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, sessionID),
			"timeoutMs": idleTimeout.Milliseconds(),
		})
	})

	r.POST("/api/sessions/:sessionID/release", func(c *gin.Context) {
		if !releaseSession(c.Param("sessionID")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "session released"})
	})

	r.GET("/ws/:sessionID", func(c *gin.Context) {
		sessionID := c.Param("sessionID")
		sessionMu.RLock()
		sess, exists := sessions[sessionID]
		sessionMu.RUnlock()
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		sess.conn = conn
		conn.SetReadLimit(20 * 1024 * 1024)
		startIdleMonitor(sess)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				releaseSession(sessionID)
				logger.S().Infof("session %s closed: %v", sessionID, err)
				return
			}
			sess.lastActive = time.Now()
			if mt != websocket.TextMessage {
				_ = conn.WriteJSON(gin.H{"error": "unsupported message type"})
				continue
			}
			img, err := base64ToImage(string(msg))
			if err != nil {
				_ = conn.WriteJSON(gin.H{"error": "invalid image: " + err.Error()})
				continue
			}
			handle, err := gw.DetectAsync(img)
			if err != nil {
				_ = conn.WriteJSON(gin.H{"error": err.Error()})
				continue
			}
			value, err := handle.Wait()
			if err != nil {
				_ = conn.WriteJSON(gin.H{"error": err.Error()})
				continue
			}
			monitor.DetectTotal.Inc()
			_ = conn.WriteJSON(gin.H{"data": toJSON(det, value.(iface.DetectionResult))})
		}
	})

	return r
}

func batchJSON(det *engine.Detector, results []iface.DetectionResult) [][]detectionJSON {
	out := make([][]detectionJSON, 0, len(results))
	for _, res := range results {
		out = append(out, toJSON(det, res))
	}
	return out
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	var cfg config.Config
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if cfg.Server.Development {
		_ = logger.InitDevelopment()
	} else {
		_ = logger.InitProduction()
	}
	defer logger.Sync()

	det := engine.New()
	if cfg.Engine.InputSize > 0 {
		det.SetInputSize(cfg.Engine.InputSize)
	}
	if cfg.Engine.ModelPath != "" {
		names := engine.NamesConf{IsFile: false, Data: cfg.Engine.Names}
		if cfg.Engine.NamesFile != "" {
			names = engine.NamesConf{IsFile: true, Data: cfg.Engine.NamesFile}
		}
		if err := det.LoadModel(cfg.Engine.ModelPath, names,
			cfg.Engine.Confidence, cfg.Engine.Iou, cfg.Engine.UseGPU); err != nil {
			logger.Log().Fatal("model load failed", zap.Error(err))
		}
		logger.Log().Info("model loaded",
			zap.String("path", cfg.Engine.ModelPath),
			zap.Bool("useGPU", cfg.Engine.UseGPU))
	} else {
		logger.Log().Warn("no model configured, detection requests will fail until one is loaded")
	}

	gw, err := gateway.New(det, cfg.Pool.MaxWorkers, cfg.Pool.DefaultBatchSize)
	if err != nil {
		logger.Log().Fatal("gateway construction failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.StartMon(ctx, cfg.Server.MonitorPort)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				monitor.ActiveWorkers.Set(float64(gw.Stats().ActiveWorkers))
			}
		}
	}()

	var wg sync.WaitGroup
	if cfg.Register.Enabled {
		ip, err := getOutboundIP()
		if err != nil {
			logger.Log().Error("failed to resolve outbound IP, skipping registration", zap.Error(err))
		} else {
			class := register.CPUInstance
			if cfg.Engine.UseGPU {
				class = register.CUDAInstance
			}
			wg.Add(1)
			go register.Run(ctx, register.Heartbeat{
				ServerHost:    cfg.Register.Host,
				ServerPort:    cfg.Register.Port,
				LocalIP:       ip,
				LocalPort:     cfg.Server.Port,
				InstanceClass: class,
				MaxWorkers:    cfg.Pool.MaxWorkers,
			}, &wg)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: buildRouter(gw, det),
	}
	go func() {
		logger.S().Infof("serving on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.S().Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.S().Errorf("http shutdown error: %v", err)
	}
	gw.Shutdown(true)
	det.Close()
	wg.Wait()
}
