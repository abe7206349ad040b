package history

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"layer-editor/internal/clock"
	"layer-editor/internal/entity"
)

// DefaultGuardTimeout is how long a suppression mark lives without being consumed.
const DefaultGuardTimeout = 10 * time.Second

// GuardConfig configures a Guard.
type GuardConfig struct {
	Clock   clock.Clock
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Guard suppresses version recording for the save that an undo or redo
// triggers. Each entity is either idle or suppressed until a deadline; an
// unconsumed mark expires on its own so a save that never reached the
// recorder cannot block recording forever.
type Guard struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	marks   map[entity.Ref]*mark
	logger  zerolog.Logger
}

type mark struct {
	deadline time.Time
	timer    clock.Timer
}

// NewGuard creates a Guard. A zero config uses the real clock and DefaultGuardTimeout.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardTimeout
	}
	return &Guard{
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		marks:   make(map[entity.Ref]*mark),
		logger:  cfg.Logger.With().Str("component", "guard").Logger(),
	}
}

// Mark suppresses the next recording for ref. Marking again restarts the deadline.
func (g *Guard) Mark(ref entity.Ref) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.marks[ref]; ok {
		old.timer.Stop()
	}
	m := &mark{deadline: g.clock.Now().Add(g.timeout)}
	m.timer = g.clock.AfterFunc(g.timeout, func() { g.expire(ref, m) })
	g.marks[ref] = m
}

// IsSuppressed reports whether ref is marked and its deadline has not passed.
func (g *Guard) IsSuppressed(ref entity.Ref) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.marks[ref]
	return ok && g.clock.Now().Before(m.deadline)
}

// Consume returns ref to idle and reports whether it was suppressed.
func (g *Guard) Consume(ref entity.Ref) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.marks[ref]
	if !ok {
		return false
	}
	m.timer.Stop()
	delete(g.marks, ref)
	return g.clock.Now().Before(m.deadline)
}

func (g *Guard) expire(ref entity.Ref, m *mark) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// a newer mark replaced this one
	if g.marks[ref] != m {
		return
	}
	delete(g.marks, ref)
	guardExpiredTotal.Inc()
	g.logger.Debug().Str("entity", ref.String()).Msg("suppression mark expired without a save")
}
