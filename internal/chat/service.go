// Package chat runs one prompt end to end: it streams the model's answer,
// applies file actions while the answer arrives and runs its shell actions
// once the answer is complete.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/aistream"
	"github.com/opensandbox/boltshell/internal/extractor"
	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/pkg/types"
)

// Streamer opens a completion stream. *aistream.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, history []types.ChatMessage) (io.ReadCloser, error)
}

// Runner is the session registry as seen by the chat service.
type Runner interface {
	extractor.CommandRunner
	Active() string
}

// FileJournal records completed file writes.
type FileJournal interface {
	LogFileWrite(path string, size int, source string) error
}

// Options configures a Service.
type Options struct {
	CommandTimeout time.Duration
	Journal        FileJournal
	Logger         *zap.Logger
}

// Service runs chat requests.
type Service struct {
	ai     Streamer
	files  extractor.FileWriter
	runner Runner
	opts   Options
	log    *zap.Logger
}

// Result summarises a finished request.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Actions  []types.Action `json:"actions"`
	Files    []string       `json:"files"`
	Commands []string       `json:"commands"`
}

// New creates a Service.
func New(ai Streamer, files extractor.FileWriter, runner Runner, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{ai: ai, files: files, runner: runner, opts: opts, log: opts.Logger}
}

// Run streams the completion for req and reports progress through emit.
// Failures are reported as an error event as well as returned. Files seen
// before a stream failure are still finalised; shell actions only run when
// the stream completed.
func (s *Service) Run(ctx context.Context, req types.ChatRequest, emit func(types.ChatEvent)) (*Result, error) {
	id := uuid.New().String()
	log := s.log.With(zap.String("chat", id))
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.runner.Active()
	}

	fail := func(err error) (*Result, error) {
		result := "error"
		if errors.Is(err, context.Canceled) {
			result = "cancelled"
		}
		metrics.ChatStreamsTotal.WithLabelValues(result).Inc()
		log.Warn("chat failed", zap.Error(err))
		emit(types.ChatEvent{Type: types.ChatEventError, Error: err.Error()})
		return nil, err
	}

	if req.Prompt == "" {
		return fail(errors.New("empty prompt"))
	}
	history := append(append([]types.ChatMessage(nil), req.History...),
		types.ChatMessage{Role: "user", Content: req.Prompt})

	body, err := s.ai.Stream(ctx, history)
	if err != nil {
		return fail(fmt.Errorf("start completion: %w", err))
	}
	defer body.Close()

	ex := extractor.New(s.files, extractor.Options{
		CommandTimeout: s.opts.CommandTimeout,
		Logger:         log,
		OnAction: func(a types.Action) {
			if a.Kind == types.ActionFile && a.Complete && a.Error == "" && s.opts.Journal != nil {
				if err := s.opts.Journal.LogFileWrite(a.Path, len(a.Content), "stream"); err != nil {
					log.Debug("journal file write", zap.Error(err))
				}
			}
			a.Content = truncate(a.Content)
			emit(types.ChatEvent{Type: types.ChatEventAction, Action: &a})
		},
	})

	streamErr := s.consume(ctx, aistream.NewDecoder(body), ex, emit)
	ex.Finish(ctx)
	if streamErr != nil {
		return fail(streamErr)
	}

	if err := ex.RunCommands(ctx, s.runner, sessionID); err != nil {
		return fail(fmt.Errorf("run commands: %w", err))
	}

	res := &Result{
		ID:       id,
		Content:  ex.Content(),
		Actions:  ex.Actions(),
		Files:    ex.CompletedPaths(),
		Commands: ex.Commands(),
	}
	metrics.ChatStreamsTotal.WithLabelValues("ok").Inc()
	log.Info("chat finished",
		zap.String("session", sessionID),
		zap.Int("files", len(res.Files)),
		zap.Int("commands", len(res.Commands)))
	emit(types.ChatEvent{Type: types.ChatEventDone, Data: map[string]any{
		"id":       id,
		"files":    res.Files,
		"commands": res.Commands,
	}})
	return res, nil
}

func (s *Service) consume(ctx context.Context, dec *aistream.Decoder, ex *extractor.Extractor, emit func(types.ChatEvent)) error {
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch ev.Kind {
		case aistream.Content:
			ex.Feed(ctx, ev.Text)
			emit(types.ChatEvent{Type: types.ChatEventContent, Content: ev.Text})
		case aistream.Annotation:
			emit(types.ChatEvent{Type: types.ChatEventAnnotation, Data: ev.Data})
		}
	}
}

const maxEventContent = 64 * 1024

// truncate bounds the file content echoed in action events.
func truncate(s string) string {
	if len(s) <= maxEventContent {
		return s
	}
	n := maxEventContent
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
