// Package register announces this instance to a central registration
// server with a periodic heartbeat.
package register

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"AsyncDetServer/logger"
)

const heartbeatInterval = 5 * time.Second

// Instance capability classes reported to the registration server.
const (
	CPUInstance  = 0x2001
	CUDAInstance = 0x2002
)

type heartbeatRequest struct {
	ID            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	MaxWorkers    int    `json:"maxWorkers"`
	Timestamp     int64  `json:"timestamp"`
}

type heartbeatResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Heartbeat describes the instance being announced.
type Heartbeat struct {
	ServerHost    string
	ServerPort    int
	LocalIP       string
	LocalPort     int
	InstanceClass int
	MaxWorkers    int
}

// Run posts a heartbeat immediately and then every heartbeatInterval
// until ctx is cancelled. Failures are logged and retried on the next
// tick.
func Run(ctx context.Context, hb Heartbeat, wg *sync.WaitGroup) {
	defer wg.Done()
	client := resty.New().SetTimeout(heartbeatInterval)
	url := fmt.Sprintf("http://%s:%d/api/register", hb.ServerHost, hb.ServerPort)
	id := uuid.NewString()

	send := func() {
		var respBody heartbeatResponse
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(heartbeatRequest{
				ID:            id,
				IP:            hb.LocalIP,
				Port:          hb.LocalPort,
				InstanceClass: hb.InstanceClass,
				MaxWorkers:    hb.MaxWorkers,
				Timestamp:     time.Now().Unix(),
			}).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			logger.S().Errorf("heartbeat request error: %v", err)
			return
		}
		if resp.IsError() {
			logger.S().Errorf("registration server returned %s: %s", resp.Status(), resp.String())
		}
	}

	send()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.S().Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			send()
		}
	}
}
