package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wallet-cluster-engine/internal/events"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

const streamWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by CORSMiddleware for the REST surface; the stream
	// carries no credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one websocket frame on a job stream
type StreamMessage struct {
	Type      types.EventType    `json:"type"`
	JobID     string             `json:"job_id"`
	Progress  *int               `json:"progress,omitempty"`
	Processed *int               `json:"processed,omitempty"`
	Total     *int               `json:"total,omitempty"`
	Results   *models.JobResults `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func newStreamMessage(e events.Event) StreamMessage {
	msg := StreamMessage{Type: e.Type, JobID: e.JobID}
	switch e.Type {
	case types.EventProgress:
		progress, processed, total := e.Progress, e.Processed, e.Total
		msg.Progress, msg.Processed, msg.Total = &progress, &processed, &total
	case types.EventCompleted:
		msg.Results = e.Results
	case types.EventError:
		msg.Error = e.Error
	}
	return msg
}

// handleJobStream upgrades to a websocket and relays the job's events until
// the terminal one, then closes the connection.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// subscribe before upgrading so unknown jobs get a plain 404
	sub, err := s.jobs.Subscribe(jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	defer sub.Close()

	logger := logging.FromContext(r.Context()).WithField("job_id", jobID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		logger.WithError(err).Warn("Failed to upgrade websocket")
		return
	}
	defer conn.Close()

	ping := s.config.StreamPing
	_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * ping))
	})

	// we only push, but must read to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.WithError(err).Debug("Websocket read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			logger.Debug("Stream client disconnected")
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case e, ok := <-sub.Events():
			if !ok {
				closeStream(conn, "stream closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(newStreamMessage(e)); err != nil {
				logger.WithError(err).Debug("Websocket write failed")
				return
			}
			if e.IsTerminal() {
				closeStream(conn, string(e.Type))
				return
			}
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(streamWriteWait))
}
