// Package events fans execution progress out to websocket subscribers and,
// optionally, to an MQTT broker.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ExecutionStarted  = "execution_started"
	ExecutionFinished = "execution_finished"
	NodeQueued        = "node_queued"
	NodeStarted       = "node_started"
	NodeSucceeded     = "node_succeeded"
	NodeFailed        = "node_failed"
	NodeRetrying      = "node_retrying"
	NodeBlocked       = "node_blocked"
)

// Event is a node-level view of execution progress.
type Event struct {
	Type            string `json:"type"`
	ExecutionID     string `json:"execution_id"`
	WorkflowID      string `json:"workflow_id,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`
	NodeType        string `json:"node_type,omitempty"`
	JobID           string `json:"job_id,omitempty"`
	Status          string `json:"status,omitempty"`
	Error           string `json:"error,omitempty"`
	Attempt         int    `json:"attempt,omitempty"`
	TSUnixMillis    int64  `json:"ts"`
}

type Publisher interface {
	Publish(executionID uuid.UUID, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(uuid.UUID, Event) {}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(executionID uuid.UUID, evt Event) {
	for _, p := range f {
		p.Publish(executionID, evt)
	}
}

// Hub is an in-memory pub/sub keyed by execution id. A bounded replay buffer
// per execution lets late subscribers catch up; buffers of the oldest
// executions are evicted once maxRuns is exceeded.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uuid.UUID]map[chan Event]struct{}
	replay    map[uuid.UUID][]Event
	order     []uuid.UUID
	maxReplay int
	maxRuns   int
}

func NewHub() *Hub {
	return &Hub{
		subs:      map[uuid.UUID]map[chan Event]struct{}{},
		replay:    map[uuid.UUID][]Event{},
		maxReplay: 200,
		maxRuns:   500,
	}
}

func (h *Hub) Subscribe(executionID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	if _, ok := h.subs[executionID]; !ok {
		h.subs[executionID] = map[chan Event]struct{}{}
	}
	h.subs[executionID][ch] = struct{}{}
	replay := append([]Event(nil), h.replay[executionID]...)
	h.mu.Unlock()

	// Replay is best effort. It stops once the buffer fills, and the
	// unsubscribe below waits for it before closing ch.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, evt := range replay {
			select {
			case ch <- evt:
			default:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if m, ok := h.subs[executionID]; ok {
				delete(m, ch)
				if len(m) == 0 {
					delete(h.subs, executionID)
				}
			}
			h.mu.Unlock()
			<-done
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(executionID uuid.UUID, evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	if evt.ExecutionID == "" {
		evt.ExecutionID = executionID.String()
	}

	h.mu.Lock()
	if _, ok := h.replay[executionID]; !ok {
		h.order = append(h.order, executionID)
		for len(h.order) > h.maxRuns {
			delete(h.replay, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.replay[executionID] = append(h.replay[executionID], evt)
	if n := len(h.replay[executionID]); n > h.maxReplay {
		h.replay[executionID] = h.replay[executionID][n-h.maxReplay:]
	}
	subs := make([]chan Event, 0, len(h.subs[executionID]))
	for ch := range h.subs[executionID] {
		subs = append(subs, ch)
	}
	// Sends happen under the read lock so cancel cannot close a channel
	// mid-send.
	h.mu.Unlock()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range subs {
		if _, live := h.subs[executionID][ch]; !live {
			continue
		}
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop.
		}
	}
}
