// Package session multiplexes terminal surfaces over a small, fixed number of
// shell sessions. The primary session always exists; additional sessions are
// created on demand, spawn their shell on first attach and can be restored
// onto a new surface without restarting the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/shell"
	"github.com/opensandbox/boltshell/internal/termclean"
	"github.com/opensandbox/boltshell/pkg/types"
)

const (
	// PrimaryID is the session the AI drives. It can never be closed.
	PrimaryID = "bolt"
	// MaxSessions caps live sessions, the primary included.
	MaxSessions = 3

	idPrefix = "term-"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrPrimarySession = errors.New("session: primary session cannot be closed")
	ErrNotStarted     = errors.New("session: shell not started")
)

// Journal records session lifecycle events. Errors are logged, never fatal.
type Journal interface {
	LogSession(sessionID, event string) error
	LogCommand(sessionID, command string, exitCode int, durationMs int64) error
}

// Options configures a Registry.
type Options struct {
	MaxSessions int
	// Shell is the template for every session's wrapper.
	Shell   shell.Options
	Journal Journal
	// OnClose runs after a session has been closed.
	OnClose func(id string)
	Logger  *zap.Logger
	Now     func() time.Time
}

// Session is one slot in the registry.
type Session struct {
	ID      string
	Primary bool

	shell     *shell.Shell
	term      shell.Terminal
	spawned   bool
	createdAt time.Time
	lastUsed  time.Time
}

// Registry owns every session of a workspace.
type Registry struct {
	rt   shell.Runtime
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	active   string
	nextID   int
	torn     bool
}

// New returns a registry holding a dormant primary session.
func New(rt shell.Runtime, opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = MaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		rt:       rt,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
	r.mu.Lock()
	r.addLocked(PrimaryID, true)
	r.active = PrimaryID
	r.mu.Unlock()
	r.journalSession(PrimaryID, "session_created")
	return r
}

func (r *Registry) newShell(id string) *shell.Shell {
	opts := r.opts.Shell
	base := opts.Logger
	if base == nil {
		base = r.log
	}
	opts.Logger = base.With(zap.String("session", id))
	return shell.New(opts)
}

func (r *Registry) addLocked(id string, primary bool) *Session {
	now := r.opts.Now()
	s := &Session{
		ID:        id,
		Primary:   primary,
		shell:     r.newShell(id),
		createdAt: now,
		lastUsed:  now,
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return s
}

// CreateSession registers a new dormant session and makes it active. It
// returns false, changing nothing, once MaxSessions are live.
func (r *Registry) CreateSession() (string, bool) {
	r.mu.Lock()
	if r.torn || len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return "", false
	}
	r.nextID++
	id := fmt.Sprintf("%s%d", idPrefix, r.nextID)
	r.addLocked(id, false)
	r.active = id
	r.mu.Unlock()

	r.log.Info("session created", zap.String("session", id))
	r.journalSession(id, "session_created")
	return id, true
}

// SetActiveSession marks id active. Unknown ids are ignored.
func (r *Registry) SetActiveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.active = id
	}
}

// Active returns the active session id.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// AttachTerminal binds term to session id. The first attach spawns the
// session's shell and waits for it to become interactive; later attaches only
// restore. A session whose shell has died is given a fresh one.
func (r *Registry) AttachTerminal(ctx context.Context, id string, term shell.Terminal) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("attach %s: %w", id, ErrNotFound)
	}
	if s.spawned && s.shell.State() == shell.StateDisposed {
		r.log.Info("replacing dead shell", zap.String("session", id))
		s.shell = r.newShell(id)
		s.spawned = false
	}
	first := !s.spawned
	s.spawned = true
	s.term = term
	s.lastUsed = r.opts.Now()
	sh := s.shell
	r.updateAttachedLocked()
	r.mu.Unlock()

	if first {
		if err := sh.Init(ctx, r.rt, term); err != nil {
			return fmt.Errorf("start shell for %s: %w", id, err)
		}
		r.journalSession(id, "shell_started")
		return nil
	}
	if err := sh.Attach(term); err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	return nil
}

// Start spawns the shell of a dormant session with no terminal bound, so
// commands can run before anything attaches. It is a no-op for a live shell.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	if s.spawned && s.shell.State() != shell.StateDisposed {
		r.mu.Unlock()
		return nil
	}
	if s.spawned {
		s.shell = r.newShell(id)
	}
	s.spawned = true
	s.lastUsed = r.opts.Now()
	sh := s.shell
	r.mu.Unlock()

	if err := sh.Init(ctx, r.rt, nil); err != nil {
		return fmt.Errorf("start shell for %s: %w", id, err)
	}
	r.journalSession(id, "shell_started")
	return nil
}

// Restore attaches term to the active session without ever spawning.
func (r *Registry) Restore(term shell.Terminal) error {
	r.mu.Lock()
	s, ok := r.sessions[r.active]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !s.spawned {
		r.mu.Unlock()
		return fmt.Errorf("restore %s: %w", s.ID, ErrNotStarted)
	}
	s.term = term
	sh := s.shell
	r.updateAttachedLocked()
	r.mu.Unlock()
	return sh.Attach(term)
}

// DetachTerminal unbinds term from session id if it is still the bound
// surface. The shell keeps running.
func (r *Registry) DetachTerminal(id string, term shell.Terminal) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.term != term {
		r.mu.Unlock()
		return
	}
	s.term = nil
	sh := s.shell
	r.updateAttachedLocked()
	r.mu.Unlock()
	sh.Detach()
}

func (r *Registry) updateAttachedLocked() {
	n := 0
	for _, s := range r.sessions {
		if s.term != nil {
			n++
		}
	}
	metrics.TerminalsAttached.Set(float64(n))
}

// CloseSession kills a non-primary session and forgets it. When it was
// active, the primary becomes active.
func (r *Registry) CloseSession(id string) error {
	if id == PrimaryID {
		return ErrPrimarySession
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	if r.active == id {
		r.active = PrimaryID
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.updateAttachedLocked()
	r.mu.Unlock()

	if err := s.shell.Close(); err != nil {
		r.log.Warn("closing shell", zap.String("session", id), zap.Error(err))
	}
	r.log.Info("session closed", zap.String("session", id))
	r.journalSession(id, "session_closed")
	if r.opts.OnClose != nil {
		r.opts.OnClose(id)
	}
	return nil
}

// Resize resizes the given sessions, or every session when ids is empty.
func (r *Registry) Resize(cols, rows int, ids ...string) error {
	r.mu.Lock()
	if len(ids) == 0 {
		ids = slices.Clone(r.order)
	}
	var errs []error
	targets := make([]*shell.Shell, 0, len(ids))
	for _, id := range ids {
		s, ok := r.sessions[id]
		if !ok {
			errs = append(errs, fmt.Errorf("resize %s: %w", id, ErrNotFound))
			continue
		}
		targets = append(targets, s.shell)
	}
	r.mu.Unlock()

	for _, sh := range targets {
		if err := sh.Resize(cols, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteCommand runs command in session id. See shell.Shell.ExecuteCommand.
func (r *Registry) ExecuteCommand(ctx context.Context, id, command string, opts ...shell.ExecOption) (*types.ExecResult, error) {
	sh, err := r.touch(id)
	if err != nil {
		return nil, err
	}
	res, err := sh.ExecuteCommand(ctx, id, command, opts...)
	_, _ = r.touch(id)
	if err != nil {
		return nil, err
	}
	if r.opts.Journal != nil && strings.TrimSpace(command) != "" {
		if jerr := r.opts.Journal.LogCommand(id, command, res.ExitCode, res.DurationMs); jerr != nil {
			r.log.Warn("journal command", zap.String("session", id), zap.Error(jerr))
		}
	}
	return res, nil
}

// WriteBanner writes a colored message to the terminal bound to id.
func (r *Registry) WriteBanner(id string, color termclean.Color, msg string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("banner %s: %w", id, ErrNotFound)
	}
	s.shell.WriteTerminal(termclean.Banner(color, msg))
	return nil
}

func (r *Registry) touch(id string) (*shell.Shell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.lastUsed = r.opts.Now()
	return s.shell, nil
}

// Exited returns a channel closed when the current shell of id exits. The
// channel of a dormant session only closes once its shell has been started
// and has exited.
func (r *Registry) Exited(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.shell.Exited(), nil
}

// Get describes one session.
func (r *Registry) Get(id string) (types.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.SessionInfo{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return r.infoLocked(s), nil
}

// List describes every session, primary first, then in creation order.
func (r *Registry) List() []types.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SessionInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.infoLocked(r.sessions[id]))
	}
	return out
}

func (r *Registry) infoLocked(s *Session) types.SessionInfo {
	cols, rows := s.shell.Size()
	return types.SessionInfo{
		ID:          s.ID,
		Primary:     s.Primary,
		Active:      s.ID == r.active,
		Running:     s.shell.Running(),
		Interactive: s.shell.Interactive(),
		Attached:    s.shell.Attached(),
		Cols:        cols,
		Rows:        rows,
		State:       s.shell.State().String(),
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsed,
	}
}

// SweepIdle closes non-primary sessions whose shell has exited or that have
// been idle for longer than maxIdle. A zero maxIdle only reaps dead shells.
// It returns the ids it closed.
func (r *Registry) SweepIdle(maxIdle time.Duration) []string {
	now := r.opts.Now()
	var victims []string
	r.mu.Lock()
	for _, id := range r.order {
		s := r.sessions[id]
		if s.Primary {
			continue
		}
		dead := s.spawned && isClosed(s.shell.Exited())
		idle := maxIdle > 0 && now.Sub(s.lastUsed) > maxIdle && !s.shell.Running()
		if dead || idle {
			victims = append(victims, id)
		}
	}
	r.mu.Unlock()

	closed := victims[:0]
	for _, id := range victims {
		if err := r.CloseSession(id); err == nil {
			closed = append(closed, id)
		}
	}
	if len(closed) > 0 {
		r.log.Info("swept idle sessions", zap.Strings("sessions", closed))
	}
	return closed
}

// StartSweeper runs SweepIdle every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepIdle(maxIdle)
			}
		}
	}()
}

// Teardown closes every session, the primary included. The registry is
// unusable afterwards.
func (r *Registry) Teardown() {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return
	}
	r.torn = true
	all := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, r.sessions[id])
	}
	r.sessions = make(map[string]*Session)
	r.order = nil
	metrics.SessionsActive.Set(0)
	metrics.TerminalsAttached.Set(0)
	r.mu.Unlock()

	for _, s := range all {
		if err := s.shell.Close(); err != nil {
			r.log.Warn("closing shell", zap.String("session", s.ID), zap.Error(err))
		}
		r.journalSession(s.ID, "session_closed")
	}
	r.log.Info("session registry torn down", zap.Int("sessions", len(all)))
}

func (r *Registry) journalSession(id, event string) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.LogSession(id, event); err != nil {
		r.log.Warn("journal session event", zap.String("session", id), zap.String("event", event), zap.Error(err))
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
