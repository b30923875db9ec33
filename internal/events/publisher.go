// Package events ships journal entries off the node: the outbox of the
// workspace journal is drained into NATS JetStream, and node heartbeats are
// published on core NATS.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/sandbox"
)

const (
	// StreamName is the JetStream stream holding workspace events.
	StreamName = "BOLTSHELL_EVENTS"
	// SubjectPrefix prefixes per-node event subjects.
	SubjectPrefix = "boltshell.events"
	// HeartbeatPrefix prefixes per-node heartbeat subjects.
	HeartbeatPrefix = "boltshell.nodes.heartbeat"

	syncInterval      = 2 * time.Second
	heartbeatInterval = 5 * time.Second
	batchSize         = 100
)

// Envelope is the JSON payload published for each journal event.
type Envelope struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	NodeID      string          `json:"node_id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Heartbeat is the node liveness payload.
type Heartbeat struct {
	NodeID      string `json:"node_id"`
	WorkspaceID string `json:"workspace_id"`
	Sessions    int    `json:"sessions"`
	Attached    int    `json:"attached"`
	Backlog     int    `json:"backlog"`
}

// Source is the outbox being drained. *sandbox.Journal implements it.
type Source interface {
	WorkspaceID() string
	GetUnsyncedEvents(limit int) ([]sandbox.Event, error)
	MarkEventsSynced(ids []int64) error
	UnsyncedCount() (int, error)
}

// JetStream is the part of nats.JetStreamContext the publisher uses.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Publisher publishes journal events from local SQLite to NATS JetStream.
type Publisher struct {
	nc     *nats.Conn
	conn   Conn
	js     JetStream
	source Source
	nodeID string
	log    *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Connect dials NATS, ensures the event stream exists and returns a
// publisher draining source.
func Connect(natsURL, nodeID string, source Source, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("boltshell-"+nodeID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := EnsureStream(js); err != nil {
		// Stream may already exist with a different config; publishing still works.
		log.Warn("event stream setup", zap.Error(err))
	}

	p := NewPublisher(nc, js, nodeID, source, log)
	p.nc = nc
	return p, nil
}

// EnsureStream creates the event stream when it is missing.
func EnsureStream(js nats.JetStreamManager) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// NewPublisher builds a publisher over existing connections.
func NewPublisher(conn Conn, js JetStream, nodeID string, source Source, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		conn:   conn,
		js:     js,
		source: source,
		nodeID: nodeID,
		log:    log,
		stop:   make(chan struct{}),
	}
}

// Start begins the event sync loop (every 2 seconds).
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Sync()
			case <-p.stop:
				// Final flush
				p.Sync()
				return
			}
		}
	}()
}

// StartHeartbeat begins publishing heartbeats every 5 seconds.
func (p *Publisher) StartHeartbeat(stats func() (sessions, attached int)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sessions, attached := stats()
				p.PublishHeartbeat(sessions, attached)
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop stops both loops after a final flush and closes the NATS connection
// when the publisher owns it.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// PublishHeartbeat sends a node heartbeat.
func (p *Publisher) PublishHeartbeat(sessions, attached int) {
	backlog, _ := p.source.UnsyncedCount()
	data, _ := json.Marshal(Heartbeat{
		NodeID:      p.nodeID,
		WorkspaceID: p.source.WorkspaceID(),
		Sessions:    sessions,
		Attached:    attached,
		Backlog:     backlog,
	})
	if err := p.conn.Publish(HeartbeatPrefix+"."+p.nodeID, data); err != nil {
		p.log.Warn("heartbeat publish error", zap.Error(err))
	}
}

// Sync publishes one batch of unsynced events and marks the published ones.
// It returns the number of events published.
func (p *Publisher) Sync() int {
	events, err := p.source.GetUnsyncedEvents(batchSize)
	if err != nil {
		p.log.Warn("read unsynced events", zap.Error(err))
		return 0
	}
	if len(events) == 0 {
		metrics.JournalBacklog.Set(0)
		return 0
	}

	subject := SubjectPrefix + "." + p.nodeID
	var synced []int64
	for _, e := range events {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		data, _ := json.Marshal(Envelope{
			ID:          e.ID,
			Type:        e.Type,
			WorkspaceID: p.source.WorkspaceID(),
			NodeID:      p.nodeID,
			Payload:     payload,
			Timestamp:   e.CreatedAt,
		})

		// The message id lets JetStream drop duplicates when a batch is
		// republished after a failed MarkEventsSynced.
		msgID := fmt.Sprintf("%s-%s-%d", p.nodeID, p.source.WorkspaceID(), e.ID)
		if _, err := p.js.Publish(subject, data, nats.MsgId(msgID)); err != nil {
			p.log.Warn("event publish error", zap.Int64("event", e.ID), zap.Error(err))
			// Keep order: later events wait for this one.
			break
		}
		synced = append(synced, e.ID)
	}

	if err := p.source.MarkEventsSynced(synced); err != nil {
		p.log.Warn("mark synced error", zap.Error(err))
	}
	if n, err := p.source.UnsyncedCount(); err == nil {
		metrics.JournalBacklog.Set(float64(n))
	}
	if len(synced) > 0 {
		p.log.Debug("synced events to NATS", zap.Int("count", len(synced)))
	}
	return len(synced)
}
