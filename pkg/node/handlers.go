package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/broadcast"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, node identity and a few engine counters.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Node    string    `json:"node"`
		Addr    string    `json:"addr"`
		Now     time.Time `json:"now"`
		Uptime  string    `json:"uptime"`
		Members int       `json:"members"`
		Dropped uint64    `json:"dropped"`
	}
	writeJSON(w, http.StatusOK, resp{
		PID:     os.Getpid(),
		Node:    string(n.b.NodeID()),
		Addr:    n.addr,
		Now:     time.Now(),
		Uptime:  time.Since(n.started).Round(time.Second).String(),
		Members: len(n.b.CurrentMembers()),
		Dropped: n.b.Dropped(),
	})
}

type memberView struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastContact time.Time `json:"last_contact,omitempty"`
	Since       time.Time `json:"since"`
}

// Members lists every peer that has not left.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	members := n.b.CurrentMembers()
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		out = append(out, memberView{
			ID:          string(m.ID),
			Addr:        m.Addr,
			State:       m.State.String(),
			Failures:    m.Failures,
			LastContact: m.LastContact,
			Since:       m.Since,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type eventView struct {
	Producer  string    `json:"producer"`
	Sequence  uint64    `json:"sequence"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(e envelope.Envelope) eventView {
	return eventView{
		Producer:  string(e.Producer),
		Sequence:  e.Sequence,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

// Publish broadcasts the request body as one event.
func (n *Node) Publish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		w.Header().Set("Allow", "POST, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, req.Body, n.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := n.b.Publish(payload)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broadcast.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		n.log.Warn("publish failed", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	view := viewOf(e)
	view.Payload = nil
	writeJSON(w, http.StatusAccepted, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
