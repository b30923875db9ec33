package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/events"
	"github.com/opensandbox/boltshell/internal/sandbox"
)

const durableName = "pg-sync-consumer"

// Sink receives decoded events. *Store implements it.
type Sink interface {
	InsertCommandLog(ctx context.Context, l CommandLog) error
	InsertSessionEvent(ctx context.Context, e SessionEvent) error
	InsertFileWrite(ctx context.Context, w FileWrite) error
	UpsertNode(ctx context.Context, n *Node) error
}

// SyncConsumer reads journal events from NATS JetStream and writes them to PostgreSQL.
type SyncConsumer struct {
	sink Sink
	nc   *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	log  *zap.Logger
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSyncConsumer connects to NATS and makes sure the event stream exists.
func NewSyncConsumer(sink Sink, natsURL string, log *zap.Logger) (*SyncConsumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(natsURL,
		nats.Name("boltshell-sync"),
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
	if err := events.EnsureStream(js); err != nil {
		log.Warn("event stream setup", zap.Error(err))
	}

	return &SyncConsumer{
		sink: sink,
		nc:   nc,
		js:   js,
		log:  log,
		stop: make(chan struct{}),
	}, nil
}

// Start subscribes to journal events with a durable consumer and to node
// heartbeats on core NATS.
func (c *SyncConsumer) Start() error {
	sub, err := c.js.Subscribe(events.SubjectPrefix+".>", c.handleMessage,
		nats.Durable(durableName),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	c.log.Info("sync consumer subscribed", zap.String("subject", events.SubjectPrefix+".>"))

	hb, err := c.nc.Subscribe(events.HeartbeatPrefix+".>", c.handleHeartbeat)
	if err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer hb.Unsubscribe()
		<-c.stop
	}()
	return nil
}

// Stop unsubscribes and closes the connection.
func (c *SyncConsumer) Stop() {
	close(c.stop)
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.wg.Wait()
	c.nc.Close()
}

func (c *SyncConsumer) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Apply(ctx, c.sink, msg.Data)
	if err != nil && !IsMalformed(err) {
		// Leave it for redelivery.
		c.log.Warn("apply event", zap.Error(err))
		msg.Nak()
		return
	}
	if err != nil {
		c.log.Warn("dropping malformed event", zap.Error(err))
	}
	msg.Ack()
}

func (c *SyncConsumer) handleHeartbeat(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ApplyHeartbeat(ctx, c.sink, msg.Data); err != nil {
		c.log.Debug("heartbeat", zap.Error(err))
	}
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed event: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// IsMalformed reports whether Apply failed because the message could not be
// decoded. Redelivering such a message cannot succeed.
func IsMalformed(err error) bool {
	_, ok := err.(*malformedError)
	return ok
}

// Apply decodes one published journal envelope and writes it to sink.
// Unknown event types are ignored.
func Apply(ctx context.Context, sink Sink, data []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &malformedError{err}
	}

	switch env.Type {
	case sandbox.EventCommand:
		var p struct {
			SessionID  string `json:"session_id"`
			Command    string `json:"command"`
			ExitCode   *int   `json:"exit_code"`
			DurationMs *int64 `json:"duration_ms"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &malformedError{err}
		}
		return sink.InsertCommandLog(ctx, CommandLog{
			EventID:     env.ID,
			NodeID:      env.NodeID,
			WorkspaceID: env.WorkspaceID,
			SessionID:   p.SessionID,
			Command:     p.Command,
			ExitCode:    p.ExitCode,
			DurationMs:  p.DurationMs,
			CreatedAt:   env.Timestamp,
		})

	case sandbox.EventFileWrite:
		var p struct {
			Path   string `json:"path"`
			Size   int64  `json:"size"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &malformedError{err}
		}
		return sink.InsertFileWrite(ctx, FileWrite{
			EventID:     env.ID,
			NodeID:      env.NodeID,
			WorkspaceID: env.WorkspaceID,
			Path:        p.Path,
			Size:        p.Size,
			Source:      p.Source,
			CreatedAt:   env.Timestamp,
		})

	case "session_created", "shell_started", "session_closed":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &malformedError{err}
		}
		return sink.InsertSessionEvent(ctx, SessionEvent{
			EventID:     env.ID,
			NodeID:      env.NodeID,
			WorkspaceID: env.WorkspaceID,
			SessionID:   p.SessionID,
			Event:       env.Type,
			CreatedAt:   env.Timestamp,
		})
	}
	return nil
}

// ApplyHeartbeat records a node heartbeat.
func ApplyHeartbeat(ctx context.Context, sink Sink, data []byte) error {
	var hb events.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return &malformedError{err}
	}
	if hb.NodeID == "" {
		return &malformedError{fmt.Errorf("heartbeat without node id")}
	}
	return sink.UpsertNode(ctx, &Node{
		ID:          hb.NodeID,
		WorkspaceID: hb.WorkspaceID,
		Sessions:    hb.Sessions,
		Attached:    hb.Attached,
		Backlog:     hb.Backlog,
		Status:      "healthy",
	})
}
