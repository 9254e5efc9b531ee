package node

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

// sseWriter formats released envelopes as Server-Sent Events.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// send writes e as one "event: envelope" frame. The SSE id is
// producer/sequence, which is unique cluster-wide.
func (s sseWriter) send(e envelope.Envelope) error {
	b, err := json.Marshal(viewOf(e))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %s/%d\nevent: envelope\ndata: %s\n\n", e.Producer, e.Sequence, b); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Events streams every envelope this node releases until the client goes
// away or the subscription is closed for backpressure.
func (n *Node) Events(w http.ResponseWriter, req *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := n.b.Subscribe()
	defer n.b.Unsubscribe(sub)
	telemetry.EventStreams.Inc()
	defer telemetry.EventStreams.Dec()
	out := sseWriter{w: w, f: f}
	if err := out.comment("subscribed " + sub.ID()); err != nil {
		return
	}

	ctx := req.Context()
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Info("event stream ended", zap.String("subscription", sub.ID()), zap.Error(err))
				_ = out.comment("closed: " + err.Error())
			}
			return
		}
		if err := out.send(e); err != nil {
			return
		}
	}
}
