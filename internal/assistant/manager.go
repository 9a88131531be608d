package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/metrics"
	"github.com/zulandar/secretary/internal/models"
)

const defaultMaxTurns = 40

// Options configure a Manager.
type Options struct {
	// Backend answers messages. Nil disables the assistant.
	Backend   Backend
	Persona   string
	Shared    *SharedContext
	MaxTokens int
	// SessionTTL expires idle sessions. Zero keeps them for the process lifetime.
	SessionTTL time.Duration
	// MaxTurns caps the history replayed to the backend.
	MaxTurns int
	// History, when set, records every exchange as a models.AssistantTurn.
	History *gorm.DB
	Metrics *metrics.Recorder
	Logger  *zap.Logger
}

type session struct {
	mu     sync.Mutex
	system string
	turns  []Turn
}

// Manager owns one chat session per user, created on first use.
type Manager struct {
	opts     Options
	mu       sync.Mutex
	sessions *cache.Cache
	log      *zap.Logger
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	cleanup := ttl
	if cleanup == cache.NoExpiration {
		cleanup = 0
	}
	return &Manager{
		opts:     opts,
		sessions: cache.New(ttl, cleanup),
		log:      logging.OrNop(opts.Logger).Named("assistant"),
		now:      time.Now,
	}
}

// Enabled reports whether a backend is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.opts.Backend != nil
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	return m.sessions.ItemCount()
}

func (m *Manager) session(user string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.sessions.Get(user); ok {
		s := v.(*session)
		m.sessions.SetDefault(user, s)
		return s
	}
	s := &session{system: m.SystemPrompt()}
	m.sessions.SetDefault(user, s)
	return s
}

// SystemPrompt is the persona followed by the current shared context. A
// session captures it once, at creation.
func (m *Manager) SystemPrompt() string {
	if m.opts.Shared == nil {
		return m.opts.Persona
	}
	return m.opts.Persona + "\n【共有メモ情報】\n" + m.opts.Shared.Text()
}

// Reply sends text in the user's session and returns the assistant's answer.
// A failed call leaves the session history unchanged.
func (m *Manager) Reply(ctx context.Context, user, text string) (string, error) {
	if !m.Enabled() {
		return "", ErrDisabled
	}
	s := m.session(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]Turn, 0, len(s.turns)+1)
	turns = append(turns, s.turns...)
	turns = append(turns, Turn{Role: RoleUser, Text: text})

	start := m.now()
	reply, err := m.opts.Backend.Complete(ctx, Request{
		System:    s.system,
		Turns:     turns,
		MaxTokens: m.opts.MaxTokens,
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyReply
	}
	elapsed := m.now().Sub(start)
	m.opts.Metrics.Assistant(m.opts.Backend.Provider(), err == nil, elapsed)
	m.record(ctx, user, text, reply, err, elapsed)
	if err != nil {
		m.log.Warn("assistant request failed", zap.String("user", user), zap.Error(err))
		return "", fmt.Errorf("assistant: %s: %w", m.opts.Backend.Provider(), err)
	}

	s.turns = trimTurns(append(turns, Turn{Role: RoleAssistant, Text: reply}), m.opts.MaxTurns)
	return reply, nil
}

// trimTurns keeps the newest max turns, starting on a user turn.
func trimTurns(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}
	turns = turns[len(turns)-max:]
	for len(turns) > 0 && turns[0].Role != RoleUser {
		turns = turns[1:]
	}
	return append([]Turn(nil), turns...)
}

func (m *Manager) record(ctx context.Context, user, prompt, reply string, err error, elapsed time.Duration) {
	if m.opts.History == nil {
		return
	}
	row := models.AssistantTurn{
		UserKey:   user,
		Provider:  m.opts.Backend.Provider(),
		Model:     m.opts.Backend.Model(),
		Prompt:    prompt,
		Reply:     reply,
		LatencyMs: elapsed.Milliseconds(),
	}
	if err != nil {
		row.Error = err.Error()
	}
	if dbErr := m.opts.History.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; dbErr != nil {
		m.log.Warn("recording assistant turn", zap.Error(dbErr))
	}
}
