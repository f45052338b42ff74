package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token-gated; browsers on other origins still need the dashboard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveFrame is one websocket push: the newest sample for the target.
type liveFrame struct {
	TargetID   uint      `json:"target_id"`
	Time       time.Time `json:"time"`
	LatencyMs  *float64  `json:"latency_ms"`
	Hops       *int      `json:"hops"`
	PacketLoss bool      `json:"packet_loss"`
	Running    bool      `json:"running"`
}

// handleTargetLive streams the target's latest ping sample over a
// websocket, one frame per probe interval. Frames repeat while no new
// sample arrives; the client dedupes on Time.
func (s *Server) handleTargetLive(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(target.Frequency) * time.Second
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		logs, err := s.store.RecentPings(ctx, target.ID, 1)
		if err != nil {
			log.Printf("[live] target %d: %v", target.ID, err)
			return
		}

		frame := liveFrame{TargetID: target.ID, Running: s.sched.Running(target.ID)}
		if len(logs) > 0 {
			frame.Time = logs[0].Time
			frame.LatencyMs = logs[0].LatencyMs
			frame.Hops = logs[0].Hops
			frame.PacketLoss = logs[0].PacketLoss
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
