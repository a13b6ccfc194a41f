package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/speedcheck/internal/geo"
	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/transfer"
)

const statusSchemaVersion = 1

// OutcomePayload is the wire form of a finished run. Measurement fields are
// omitted for failed runs so they never read as a disabled measurement.
type OutcomePayload struct {
	RunID              string                   `json:"run_id"`
	TargetURL          string                   `json:"target_url"`
	Ok                 bool                     `json:"ok"`
	InstantaneousBytes *model.Optional[uint64]  `json:"instantaneous_bytes,omitempty"`
	DownloadMbps       *model.Optional[float64] `json:"download_mbps,omitempty"`
	UploadMbps         *model.Optional[float64] `json:"upload_mbps,omitempty"`
	Server             *geo.Location            `json:"server,omitempty"`
	StartedAt          int64                    `json:"started_at"`
	FinishedAt         int64                    `json:"finished_at"`
	DurationMs         int64                    `json:"duration_ms"`
	ErrorKind          string                   `json:"error_kind,omitempty"`
	Error              string                   `json:"error,omitempty"`
	Message            string                   `json:"message,omitempty"`
}

func NewOutcomePayload(o speedtest.Outcome) OutcomePayload {
	p := OutcomePayload{
		RunID:      o.RunID.String(),
		TargetURL:  o.Config.TargetURL,
		Ok:         o.Err == nil,
		Server:     o.Server,
		StartedAt:  o.StartedAt.UnixMilli(),
		FinishedAt: o.FinishedAt.UnixMilli(),
		DurationMs: o.FinishedAt.Sub(o.StartedAt).Milliseconds(),
	}
	if o.Err != nil {
		p.ErrorKind = speedtest.Kind(o.Err)
		p.Error = o.Err.Error()
		p.Message = speedtest.UserMessage(o.Err)
		return p
	}
	res := o.Result
	p.InstantaneousBytes = &res.InstantaneousBytes
	p.DownloadMbps = &res.DownloadMbps
	p.UploadMbps = &res.UploadMbps
	return p
}

type statusErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusMessage struct {
	SchemaVersion int                 `json:"schema_version"`
	Type          string              `json:"type"`
	Timestamp     int64               `json:"timestamp"`
	RunID         string              `json:"run_id,omitempty"`
	Testing       *bool               `json:"testing,omitempty"`
	Phase         string              `json:"phase,omitempty"`
	Result        *OutcomePayload     `json:"result,omitempty"`
	Error         *statusErrorPayload `json:"error,omitempty"`
}

func newStatusMessage(kind string) statusMessage {
	return statusMessage{SchemaVersion: statusSchemaVersion, Type: kind, Timestamp: time.Now().UnixMilli()}
}

// StatusStore turns coordinator events into status messages and keeps the
// latest state for clients that connect mid-run.
type StatusStore struct {
	mu      sync.Mutex
	testing bool
	runID   string
	phase   string
	last    *OutcomePayload
	hub     *StatusHub
}

func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{hub: hub}
}

func (s *StatusStore) SetTesting(v bool) {
	s.mu.Lock()
	s.testing = v
	if !v {
		s.phase = ""
	}
	s.mu.Unlock()
	msg := newStatusMessage("testing")
	msg.Testing = &v
	s.hub.Broadcast(msg)
}

func (s *StatusStore) RunStarted(id uuid.UUID, _ model.ProbeConfiguration) {
	s.setPhase(id, "connectivity")
}

func (s *StatusStore) PhaseStarted(id uuid.UUID, phase transfer.Phase) {
	s.setPhase(id, phase.String())
}

func (s *StatusStore) setPhase(id uuid.UUID, phase string) {
	s.mu.Lock()
	s.runID = id.String()
	s.phase = phase
	s.mu.Unlock()
	msg := newStatusMessage("phase")
	msg.RunID = id.String()
	msg.Phase = phase
	s.hub.Broadcast(msg)
}

// RunFinished publishes a result, or an error message for failed runs.
// Superseded runs are dropped; the run replacing them reports instead.
func (s *StatusStore) RunFinished(o speedtest.Outcome) {
	if speedtest.Kind(o.Err) == speedtest.KindSuperseded {
		return
	}
	payload := NewOutcomePayload(o)
	s.mu.Lock()
	s.last = &payload
	s.mu.Unlock()

	if o.Err != nil {
		msg := newStatusMessage("error")
		msg.RunID = payload.RunID
		msg.Error = &statusErrorPayload{Code: payload.ErrorKind, Message: payload.Message}
		s.hub.Broadcast(msg)
		return
	}
	msg := newStatusMessage("result")
	msg.RunID = payload.RunID
	msg.Result = &payload
	s.hub.Broadcast(msg)
}

// Snapshot returns the messages a newly connected client needs.
func (s *StatusStore) Snapshot() []statusMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	testing := s.testing
	msgs := []statusMessage{newStatusMessage("testing")}
	msgs[0].Testing = &testing
	if testing && s.phase != "" {
		msg := newStatusMessage("phase")
		msg.RunID = s.runID
		msg.Phase = s.phase
		msgs = append(msgs, msg)
	}
	if s.last != nil {
		last := *s.last
		msg := newStatusMessage("result")
		msg.RunID = last.RunID
		msg.Result = &last
		msgs = append(msgs, msg)
	}
	return msgs
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			data, _ := json.Marshal(msg)
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
