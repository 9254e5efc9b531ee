package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/sink"
)

// Broadcaster is the part of broadcast.Engine the HTTP surface uses.
type Broadcaster interface {
	NodeID() envelope.NodeID
	Publish(payload []byte) (envelope.Envelope, error)
	Subscribe() *sink.Subscription
	Unsubscribe(s *sink.Subscription)
	CurrentMembers() []membership.Member
	Dropped() uint64
}

type Node struct {
	b       Broadcaster
	addr    string
	log     *zap.Logger
	started time.Time
	maxBody int64
}

const defaultMaxBody = 1 << 20

func NewNode(b Broadcaster, addr string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		b:       b,
		addr:    addr,
		log:     log.Named("http"),
		started: time.Now(),
		maxBody: defaultMaxBody,
	}
}

func (n *Node) Addr() string {
	return n.addr
}

// Routes mounts every endpoint, instrumented, on mux.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("/publish", telemetry.Instrument("publish", http.HandlerFunc(n.Publish)))
	mux.Handle("/events", telemetry.Instrument("events", http.HandlerFunc(n.Events)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
}
