// Package history stores per-client conversation turns and tour breakpoints.
//
// Conversation turns give the RAG collaborator multi-turn context; tour
// breakpoints let a visitor resume a tour where they left off, surviving
// server restarts when the postgres backend is enabled.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/openmuse/docent/pkg/provider/rag"
)

// maxTurnsPerClient bounds the in-memory history per client. Old turns are
// discarded first.
const maxTurnsPerClient = 50

// Breakpoint is the resumable position of one client's tour.
type Breakpoint struct {
	ClientID  string    `json:"client_id"`
	Zone      string    `json:"zone"`
	Profile   string    `json:"profile"`
	Stops     []string  `json:"stops"`
	StopIndex int       `json:"stop_index"`
	Epoch     uint64    `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store records conversation history and tour breakpoints.
type Store interface {
	// AppendTurn records one completed question/answer exchange.
	AppendTurn(ctx context.Context, clientID, question, answer string) error

	// RecentTurns returns up to n most recent turns, oldest first, in the
	// alternating user/assistant form the RAG collaborator expects.
	RecentTurns(ctx context.Context, clientID string, n int) ([]rag.Turn, error)

	// SaveBreakpoint upserts the client's tour position.
	SaveBreakpoint(ctx context.Context, bp Breakpoint) error

	// LoadBreakpoint returns the client's saved tour position, if any.
	LoadBreakpoint(ctx context.Context, clientID string) (Breakpoint, bool, error)
}

// turn is one stored exchange.
type turn struct {
	question string
	answer   string
}

// Memory is an in-process [Store]. It is the default backend when postgres
// is not configured. Safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	turns       map[string][]turn
	breakpoints map[string]Breakpoint
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		turns:       make(map[string][]turn),
		breakpoints: make(map[string]Breakpoint),
	}
}

// AppendTurn implements [Store].
func (m *Memory) AppendTurn(_ context.Context, clientID, question, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := append(m.turns[clientID], turn{question: question, answer: answer})
	if len(ts) > maxTurnsPerClient {
		ts = ts[len(ts)-maxTurnsPerClient:]
	}
	m.turns[clientID] = ts
	return nil
}

// RecentTurns implements [Store].
func (m *Memory) RecentTurns(_ context.Context, clientID string, n int) ([]rag.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.turns[clientID]
	if n > 0 && len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	return expandTurns(ts), nil
}

// SaveBreakpoint implements [Store].
func (m *Memory) SaveBreakpoint(_ context.Context, bp Breakpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bp.UpdatedAt.IsZero() {
		bp.UpdatedAt = time.Now()
	}
	m.breakpoints[bp.ClientID] = bp
	return nil
}

// LoadBreakpoint implements [Store].
func (m *Memory) LoadBreakpoint(_ context.Context, clientID string) (Breakpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[clientID]
	return bp, ok, nil
}

// expandTurns flattens stored exchanges into the alternating role form.
func expandTurns(ts []turn) []rag.Turn {
	out := make([]rag.Turn, 0, len(ts)*2)
	for _, t := range ts {
		out = append(out,
			rag.Turn{Role: "user", Content: t.question},
			rag.Turn{Role: "assistant", Content: t.answer},
		)
	}
	return out
}
