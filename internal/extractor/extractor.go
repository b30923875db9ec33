// Package extractor turns a streamed model response into workspace edits and
// shell commands. File actions are applied while the response is still
// arriving; shell actions are collected once it is complete and run in order.
//
// The directive grammar is
//
//	<boltAction type="file" filePath="src/app.js">...content...</boltAction>
//	<boltAction type="shell">npm install</boltAction>
//
// optionally wrapped in <boltArtifact title="...">...</boltArtifact>.
package extractor

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/pkg/types"
)

const (
	openTag  = "<boltAction"
	closeTag = "</boltAction>"

	// DefaultCommandTimeout bounds each extracted shell command.
	DefaultCommandTimeout = 15 * time.Second
)

var (
	actionRe = regexp.MustCompile(`(?s)<boltAction\s+([^>]*)>(.*?)</boltAction>`)
	attrRe   = regexp.MustCompile(`([A-Za-z_:][-A-Za-z0-9_:.]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// FileWriter applies file actions.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string) error
}

// Options configures an Extractor.
type Options struct {
	// CommandTimeout is the budget of each shell command in RunCommands.
	CommandTimeout time.Duration
	// OnAction observes every action state change.
	OnAction func(types.Action)
	Logger   *zap.Logger
}

type openAction struct {
	path         string
	contentStart int
	lastPartial  string
	wrote        bool
}

type command struct {
	action types.Action
}

// Extractor scans one response. It is not safe for concurrent use.
type Extractor struct {
	w    FileWriter
	opts Options
	log  *zap.Logger

	buf      strings.Builder
	lastScan int
	inside   *openAction

	completed     map[string]bool
	completedList []string
	files         map[string]types.Action
	fileOrder     []string
	commands      []*command
	finished      bool
}

// New returns an Extractor writing files through w.
func New(w FileWriter, opts Options) *Extractor {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Extractor{
		w:         w,
		opts:      opts,
		log:       opts.Logger,
		completed: make(map[string]bool),
		files:     make(map[string]types.Action),
	}
}

// Feed appends chunk to the response and applies every file action that can
// be acted on so far.
func (e *Extractor) Feed(ctx context.Context, chunk string) {
	if e.finished || chunk == "" {
		return
	}
	e.buf.WriteString(chunk)
	e.scan(ctx)
}

func (e *Extractor) scan(ctx context.Context) {
	s := e.buf.String()
	for {
		if e.inside != nil {
			a := e.inside
			rel := strings.Index(s[a.contentStart:], closeTag)
			if rel < 0 {
				partial := withheld(s[a.contentStart:])
				if !a.wrote || partial != a.lastPartial {
					e.writePartial(ctx, a.path, partial)
					a.lastPartial = partial
					a.wrote = true
				}
				return
			}
			end := a.contentStart + rel
			e.inside = nil
			e.complete(ctx, a.path, s[a.contentStart:end])
			e.lastScan = end + len(closeTag)
			continue
		}

		rel := strings.Index(s[e.lastScan:], openTag)
		if rel < 0 {
			// Keep room for an open tag split across chunks.
			if keep := len(s) - len(openTag) + 1; keep > e.lastScan {
				e.lastScan = keep
			}
			return
		}
		start := e.lastScan + rel
		after := start + len(openTag)
		if after >= len(s) {
			e.lastScan = start
			return
		}
		if c := s[after]; c != '>' && !isSpace(c) {
			// <boltActionFoo ...> is not ours.
			e.lastScan = after
			continue
		}
		gt := strings.IndexByte(s[after:], '>')
		if gt < 0 {
			// Open tag still arriving.
			e.lastScan = start
			return
		}
		tagEnd := after + gt + 1
		attrs := parseAttrs(s[after : after+gt])
		path := attrs["filePath"]
		if attrs["type"] != string(types.ActionFile) || path == "" {
			e.lastScan = tagEnd
			continue
		}

		closeAt := strings.Index(s[tagEnd:], closeTag)
		if e.completed[path] {
			if closeAt >= 0 {
				e.lastScan = tagEnd + closeAt + len(closeTag)
			} else {
				e.lastScan = tagEnd
			}
			continue
		}
		if closeAt >= 0 {
			e.complete(ctx, path, s[tagEnd:tagEnd+closeAt])
			e.lastScan = tagEnd + closeAt + len(closeTag)
			continue
		}

		e.inside = &openAction{path: path, contentStart: tagEnd}
		e.lastScan = tagEnd
		e.writePartial(ctx, path, "")
		e.inside.wrote = true
	}
}

// Finish runs the authoritative pass over the whole response: any file action
// the streaming scan missed is written, a file still open is written with
// all of its partial content (including a trailing fragment that looked like
// the start of a closing tag), and shell actions are collected for RunCommands.
func (e *Extractor) Finish(ctx context.Context) {
	if e.finished {
		return
	}
	e.finished = true
	s := e.buf.String()
	matches := actionRe.FindAllStringSubmatch(s, -1)

	for _, m := range matches {
		attrs := parseAttrs(m[1])
		path := attrs["filePath"]
		if attrs["type"] != string(types.ActionFile) || path == "" || e.completed[path] {
			continue
		}
		if e.inside != nil && e.inside.path == path {
			e.inside = nil
		}
		e.complete(ctx, path, m[2])
	}
	if a := e.inside; a != nil {
		e.inside = nil
		e.log.Warn("response ended inside a file action", zap.String("path", a.path))
		e.complete(ctx, a.path, s[a.contentStart:])
	}

	for _, m := range matches {
		attrs := parseAttrs(m[1])
		if attrs["type"] != string(types.ActionShell) {
			continue
		}
		cmd := strings.TrimSpace(html.UnescapeString(m[2]))
		if cmd == "" {
			continue
		}
		c := &command{action: types.Action{
			Kind:    types.ActionShell,
			Command: cmd,
			Status:  types.ActionPending,
		}}
		e.commands = append(e.commands, c)
		e.emit(c.action)
	}
	e.log.Debug("response finished",
		zap.Int("files", len(e.completedList)),
		zap.Int("commands", len(e.commands)))
}

func (e *Extractor) writePartial(ctx context.Context, path, content string) {
	err := e.w.WriteFile(ctx, path, content)
	a := types.Action{Kind: types.ActionFile, Path: path, Content: content, Status: types.ActionRunning}
	if err != nil {
		e.log.Warn("partial file write failed", zap.String("path", path), zap.Error(err))
		metrics.FileWritesTotal.WithLabelValues("stream", "error").Inc()
		a.Error = err.Error()
	}
	e.emit(a)
}

func (e *Extractor) complete(ctx context.Context, path, content string) {
	e.completed[path] = true
	e.completedList = append(e.completedList, path)
	if _, seen := e.files[path]; !seen {
		e.fileOrder = append(e.fileOrder, path)
	}

	a := types.Action{
		Kind:     types.ActionFile,
		Path:     path,
		Content:  content,
		Complete: true,
		Status:   types.ActionComplete,
	}
	if err := e.w.WriteFile(ctx, path, content); err != nil {
		e.log.Warn("file write failed", zap.String("path", path), zap.Error(err))
		metrics.FileWritesTotal.WithLabelValues("stream", "error").Inc()
		a.Status = types.ActionFailed
		a.Error = err.Error()
	} else {
		metrics.FileWritesTotal.WithLabelValues("stream", "ok").Inc()
	}
	metrics.StreamActionsTotal.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
	e.files[path] = a
	e.emit(a)
}

func (e *Extractor) emit(a types.Action) {
	if e.opts.OnAction != nil {
		e.opts.OnAction(a)
	}
}

// Content returns the response received so far.
func (e *Extractor) Content() string {
	return e.buf.String()
}

// CompletedPaths returns the completed file paths in completion order.
func (e *Extractor) CompletedPaths() []string {
	return append([]string(nil), e.completedList...)
}

// Files returns the final content of every completed file.
func (e *Extractor) Files() map[string]string {
	out := make(map[string]string, len(e.files))
	for k, a := range e.files {
		out[k] = a.Content
	}
	return out
}

// Actions returns the settled file actions followed by the shell actions in
// their current state.
func (e *Extractor) Actions() []types.Action {
	out := make([]types.Action, 0, len(e.fileOrder)+len(e.commands))
	for _, p := range e.fileOrder {
		out = append(out, e.files[p])
	}
	for _, c := range e.commands {
		out = append(out, c.action)
	}
	return out
}

// Commands returns the shell commands collected by Finish.
func (e *Extractor) Commands() []string {
	out := make([]string, 0, len(e.commands))
	for _, c := range e.commands {
		out = append(out, c.action.Command)
	}
	return out
}

// CompletedCommands returns the commands that have settled, whether they ran,
// failed, timed out or were skipped.
func (e *Extractor) CompletedCommands() []string {
	var out []string
	for _, c := range e.commands {
		if c.action.Complete {
			out = append(out, c.action.Command)
		}
	}
	return out
}

// withheld drops a trailing fragment that may be the start of the close tag,
// so partial content never shrinks once the tag completes.
func withheld(s string) string {
	n := len(closeTag) - 1
	if n > len(s) {
		n = len(s)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, closeTag[:k]) {
			return s[:len(s)-k]
		}
	}
	return s
}

// parseAttrs reads name="value" pairs, decoding HTML entities in values.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		attrs[m[1]] = strings.TrimSpace(html.UnescapeString(v))
	}
	return attrs
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
