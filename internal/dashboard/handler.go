package dashboard

import (
	"context"
	"log"
	"time"

	"github.com/offlinekit/offsync/internal/autosync"
)

// Handler turns sync rounds into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnRound broadcasts the round report followed by a fresh status
// snapshot. Its signature matches autosync.Config.OnRound.
func (h *Handler) OnRound(rep *autosync.Report) {
	data := RoundData{
		Pushed:    rep.Pushed,
		Failed:    rep.Failed,
		Refreshed: rep.Refreshed,
	}
	for _, err := range rep.Errors {
		data.Errors = append(data.Errors, err.Error())
	}
	msg, err := newMessage(MessageTypeRound, data)
	if err != nil {
		h.logger.Printf("Failed to marshal round: %v", err)
		return
	}
	h.server.Broadcast(msg)
	h.BroadcastStatus()
}

// BroadcastStatus sends the current snapshot to every client.
func (h *Handler) BroadcastStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := h.server.snapshot(ctx)
	if err != nil {
		h.logger.Printf("Failed to read status: %v", err)
		return
	}
	h.server.Broadcast(msg)
}
