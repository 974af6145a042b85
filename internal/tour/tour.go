// Package tour implements the per-client guided tour: a small state machine
// driving narration through an ordered list of stops, plus the speculative
// prefetch pipeline that narrates upcoming stops ahead of time.
//
// The machine talks to the conversation layer through the [Narrator]
// interface only: it issues narration requests and observes their outcomes.
// The conversation layer never calls back into the tour.
//
// Every transition that abandons in-flight work increments the tour epoch.
// Narrations and prefetch slots carry the epoch they were produced under;
// anything stamped with a superseded epoch is discarded.
package tour

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/orchestrator"
)

// Mode is the tour lifecycle state.
type Mode string

const (
	ModeIdle        Mode = "idle"
	ModeRunning     Mode = "running"
	ModePaused      Mode = "paused"
	ModeInterrupted Mode = "interrupted"
)

// ResumePolicy decides where narration restarts after a pause or interrupt.
type ResumePolicy string

const (
	// ResumeRestart re-narrates the current stop from its beginning.
	ResumeRestart ResumePolicy = "restart"
)

// Narrator runs narration requests. *orchestrator.Orchestrator satisfies it.
type Narrator interface {
	Run(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error)
}

// Params describes a tour being started.
type Params struct {
	Stops      []string `json:"stops"`
	Zone       string   `json:"zone"`
	Profile    string   `json:"profile"`
	TemplateID string   `json:"template_id"`
	Style      string   `json:"style"`
	DurationS  int      `json:"duration_s"`
}

// State is an immutable snapshot of one client's tour.
type State struct {
	Mode            Mode     `json:"mode"`
	Zone            string   `json:"zone,omitempty"`
	Profile         string   `json:"profile,omitempty"`
	Stops           []string `json:"stops,omitempty"`
	StopIndex       int      `json:"stop_index"`
	TemplateID      string   `json:"template_id,omitempty"`
	Style           string   `json:"style,omitempty"`
	DurationS       int      `json:"duration_s,omitempty"`
	ActiveRequestID string   `json:"active_request_id,omitempty"`
	Epoch           uint64   `json:"epoch"`
}

// Config tunes tour behaviour for all clients.
type Config struct {
	// PrefetchWindow is how many upcoming stops are narrated speculatively.
	// Zero disables prefetch; every stop is narrated live.
	PrefetchWindow int

	// ContinuousTour auto-resumes narration once an interrupting question
	// has been answered.
	ContinuousTour bool

	// ResumePolicy is how resume picks up narration. Only restart is
	// supported.
	ResumePolicy ResumePolicy

	// PromptTemplate formats the narration question. It receives the stop
	// name, zone, profile, style and duration via [fmt.Sprintf] in that
	// order.
	PromptTemplate string

	// Metrics is the metrics instance machines record to. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// DefaultConfig returns the standard tour tuning.
func DefaultConfig() Config {
	return Config{
		PrefetchWindow: 2,
		ResumePolicy:   ResumeRestart,
		PromptTemplate: "请以%[4]s的风格，面向%[3]s观众，讲解%[2]s展区的「%[1]s」，时长约%[5]d秒。",
	}
}

func (c Config) normalize() Config {
	if c.ResumePolicy == "" {
		c.ResumePolicy = ResumeRestart
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = DefaultConfig().PromptTemplate
	}
	if c.PrefetchWindow < 0 {
		c.PrefetchWindow = 0
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Manager owns the per-client machines. Safe for concurrent use.
type Manager struct {
	narrator Narrator
	fabric   *cancel.Fabric
	store    events.Store
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewManager creates a Manager.
func NewManager(narrator Narrator, fabric *cancel.Fabric, store events.Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		narrator: narrator,
		fabric:   fabric,
		store:    store,
		cfg:      cfg.normalize(),
		logger:   logger,
		machines: make(map[string]*Machine),
	}
}

// Machine returns the client's tour machine, creating it on first use.
func (m *Manager) Machine(clientID string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[clientID]
	if !ok {
		mach = newMachine(clientID, m.narrator, m.fabric, m.store, m.cfg, m.logger)
		m.machines[clientID] = mach
	}
	return mach
}

// Peek returns the client's machine without creating one.
func (m *Manager) Peek(clientID string) (*Machine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[clientID]
	return mach, ok
}

// Reset destroys the client's tour state entirely.
func (m *Manager) Reset(clientID string) State {
	m.mu.Lock()
	mach, ok := m.machines[clientID]
	delete(m.machines, clientID)
	m.mu.Unlock()

	if ok {
		return mach.Reset()
	}
	return State{Mode: ModeIdle}
}

// Shutdown cancels every active narration across clients.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	machines := make([]*Machine, 0, len(m.machines))
	for _, mach := range m.machines {
		machines = append(machines, mach)
	}
	m.machines = make(map[string]*Machine)
	m.mu.Unlock()

	for _, mach := range machines {
		mach.Reset()
	}
}

// navEvent appends a tour navigation event. Tour-level events live under a
// synthetic per-client request id so /events can show the navigation log.
func navEvent(store events.Store, clientID, name string, epoch uint64, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["epoch"] = strconv.FormatUint(epoch, 10)
	store.Append(events.Event{
		RequestID: "tour-" + clientID,
		ClientID:  clientID,
		TS:        time.Now(),
		Kind:      events.KindNav,
		Name:      name,
		Level:     events.LevelInfo,
		Fields:    fields,
	})
}

// buildPrompt renders the narration question for one stop.
func buildPrompt(cfg Config, p Params, index int) string {
	return fmt.Sprintf(cfg.PromptTemplate,
		p.Stops[index], p.Zone, p.Profile, p.Style, p.DurationS)
}
