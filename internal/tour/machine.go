package tour

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/events"
	"github.com/openmuse/docent/internal/fault"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
)

// Machine is one client's tour state machine. All transitions are serialized
// by a mutex; concurrent callers observe them in some total order.
//
// The machine starts narrations through its [Narrator] and cancels them
// through the cancel fabric. Narration audio is not routed through the
// machine: clients fetch it by request id from the conversation layer, so
// the machine only tracks which request id is currently live.
type Machine struct {
	clientID string
	narrator Narrator
	fabric   *cancel.Fabric
	store    events.Store
	cfg      Config
	logger   *slog.Logger

	// lifetime bounds narrations and prefetch work started by this machine.
	lifetime context.Context
	stop     context.CancelFunc

	mu       sync.Mutex
	mode     Mode
	params   Params
	index    int
	epoch    uint64
	activeID string
	pf       *prefetcher
}

func newMachine(clientID string, narrator Narrator, fabric *cancel.Fabric, store events.Store, cfg Config, logger *slog.Logger) *Machine {
	ctx, stop := context.WithCancel(context.Background())
	m := &Machine{
		clientID: clientID,
		narrator: narrator,
		fabric:   fabric,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "tour", "client_id", clientID),
		lifetime: ctx,
		stop:     stop,
		mode:     ModeIdle,
	}
	if cfg.PrefetchWindow > 0 {
		m.pf = newPrefetcher(clientID, narrator, cfg.PrefetchWindow, m.logger, cfg.Metrics)
	}
	return m
}

// State returns a snapshot of the machine.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	stops := make([]string, len(m.params.Stops))
	copy(stops, m.params.Stops)
	return State{
		Mode:            m.mode,
		Zone:            m.params.Zone,
		Profile:         m.params.Profile,
		Stops:           stops,
		StopIndex:       m.index,
		TemplateID:      m.params.TemplateID,
		Style:           m.params.Style,
		DurationS:       m.params.DurationS,
		ActiveRequestID: m.activeID,
		Epoch:           m.epoch,
	}
}

// Start begins a tour at the first stop. Starting over an active tour
// abandons it and begins fresh.
func (m *Machine) Start(p Params) (State, error) {
	if len(p.Stops) == 0 {
		return m.State(), fault.New(fault.CodeBadRequest, "tour needs at least one stop")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceEpochLocked(cancel.ReasonSuperseded)
	m.params = p
	m.index = 0
	m.setModeLocked(ModeRunning)
	navEvent(m.store, m.clientID, "tour_start", m.epoch, map[string]any{
		"zone":  p.Zone,
		"stops": strconv.Itoa(len(p.Stops)),
	})
	err := m.startNarrationLocked()
	return m.snapshotLocked(), err
}

// Pause halts narration at the current stop.
func (m *Machine) Pause() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeRunning {
		return m.snapshotLocked(), m.invalidLocked("pause")
	}
	m.advanceEpochLocked(cancel.ReasonUser)
	m.setModeLocked(ModePaused)
	navEvent(m.store, m.clientID, "tour_pause", m.epoch, m.stopFields())
	return m.snapshotLocked(), nil
}

// Resume restarts narration of the current stop after a pause or interrupt.
func (m *Machine) Resume() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModePaused && m.mode != ModeInterrupted {
		return m.snapshotLocked(), m.invalidLocked("resume")
	}
	return m.resumeLocked()
}

func (m *Machine) resumeLocked() (State, error) {
	m.advanceEpochLocked(cancel.ReasonSuperseded)
	m.setModeLocked(ModeRunning)
	navEvent(m.store, m.clientID, "tour_resume", m.epoch, m.stopFields())
	err := m.startNarrationLocked()
	return m.snapshotLocked(), err
}

// Next advances to the following stop. On the last stop the tour finishes
// and the machine returns to idle. When halted, the index moves but
// narration stays halted.
func (m *Machine) Next() (State, error) {
	return m.seek("tour_next", func(i, last int) (int, bool) {
		if i >= last {
			return i, true
		}
		return i + 1, false
	})
}

// Prev moves back one stop, saturating at the first.
func (m *Machine) Prev() (State, error) {
	return m.seek("tour_prev", func(i, last int) (int, bool) {
		if i > 0 {
			return i - 1, false
		}
		return 0, false
	})
}

// Jump moves directly to the given stop index, clamped to the route bounds.
func (m *Machine) Jump(index int) (State, error) {
	return m.seek("tour_jump", func(_, last int) (int, bool) {
		return min(max(index, 0), last), false
	})
}

// seek applies an index move under one transition. move returns the new
// index and whether the tour is finished.
func (m *Machine) seek(name string, move func(index, last int) (int, bool)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeIdle {
		return m.snapshotLocked(), m.invalidLocked(name)
	}

	m.epoch++
	m.cancelActiveLocked(cancel.ReasonSuperseded)
	next, finished := move(m.index, len(m.params.Stops)-1)
	if finished {
		if m.pf != nil {
			m.pf.evictAll(m.fabric)
		}
		m.setModeLocked(ModeIdle)
		m.params = Params{}
		m.index = 0
		navEvent(m.store, m.clientID, "tour_finished", m.epoch, nil)
		return m.snapshotLocked(), nil
	}

	if m.pf != nil {
		if next > m.index {
			// Forward along the planned route: slide the window, keep
			// prefetched stops ahead of us.
			m.pf.advance(m.fabric, next, m.epoch)
		} else {
			// Backwards or in place: the route changed, slots from the
			// old trajectory are discarded.
			m.pf.evictAll(m.fabric)
		}
	}
	m.index = next
	navEvent(m.store, m.clientID, name, m.epoch, m.stopFields())
	if m.mode == ModeRunning {
		err := m.startNarrationLocked()
		return m.snapshotLocked(), err
	}
	return m.snapshotLocked(), nil
}

// Interrupt abandons the current narration so a user question can be
// answered. Outside the running state it is a no-op. When the outcome of
// the interrupting question is given and continuous touring is enabled,
// the machine resumes on its own once that question completes.
func (m *Machine) Interrupt(question *orchestrator.Outcome) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeRunning {
		return m.snapshotLocked()
	}

	m.advanceEpochLocked(cancel.ReasonUser)
	m.setModeLocked(ModeInterrupted)
	navEvent(m.store, m.clientID, "tour_interrupt", m.epoch, m.stopFields())

	if m.cfg.ContinuousTour && question != nil {
		epoch := m.epoch
		go m.autoResume(question, epoch)
	}
	return m.snapshotLocked()
}

func (m *Machine) autoResume(question *orchestrator.Outcome, epoch uint64) {
	select {
	case <-question.Done():
	case <-m.lifetime.Done():
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeInterrupted || m.epoch != epoch {
		return
	}
	if _, err := m.resumeLocked(); err != nil {
		m.logger.Warn("auto-resume narration failed", "error", err)
	}
}

// Stop ends the tour and returns to idle.
func (m *Machine) Stop() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeIdle {
		return m.snapshotLocked(), m.invalidLocked("stop")
	}
	m.advanceEpochLocked(cancel.ReasonUser)
	m.setModeLocked(ModeIdle)
	m.params = Params{}
	m.index = 0
	navEvent(m.store, m.clientID, "tour_stop", m.epoch, nil)
	return m.snapshotLocked(), nil
}

// Reset tears the machine down entirely, cancelling any narrations and
// prefetch work it started.
func (m *Machine) Reset() State {
	m.mu.Lock()
	m.advanceEpochLocked(cancel.ReasonShutdown)
	m.setModeLocked(ModeIdle)
	m.params = Params{}
	m.index = 0
	st := m.snapshotLocked()
	m.mu.Unlock()

	m.stop()
	return st
}

// setModeLocked changes the lifecycle mode and keeps the active-tours gauge
// in step across the idle boundary.
func (m *Machine) setModeLocked(mode Mode) {
	if (m.mode == ModeIdle) != (mode == ModeIdle) {
		delta := int64(1)
		if mode == ModeIdle {
			delta = -1
		}
		m.cfg.Metrics.ActiveTours.Add(context.Background(), delta)
	}
	m.mode = mode
}

// advanceEpochLocked marks all in-flight work stale: the epoch moves, the
// active narration is cancelled and every prefetch slot is evicted.
func (m *Machine) advanceEpochLocked(reason cancel.Reason) {
	m.epoch++
	m.cancelActiveLocked(reason)
	if m.pf != nil {
		m.pf.evictAll(m.fabric)
	}
}

func (m *Machine) cancelActiveLocked(reason cancel.Reason) {
	if m.activeID != "" {
		m.fabric.CancelRequest(m.activeID, reason)
		m.activeID = ""
	}
}

// startNarrationLocked makes the current stop audible: it replays a ready
// prefetch slot when one matches the current epoch's window scheduling,
// otherwise it runs a live narration. Either way it then schedules the
// prefetch window for upcoming stops.
func (m *Machine) startNarrationLocked() error {
	index, epoch := m.index, m.epoch

	if m.pf != nil {
		if reqID, ok := m.pf.take(index, epoch); ok {
			m.activeID = reqID
			navEvent(m.store, m.clientID, "narration_replayed", epoch, map[string]any{
				"stop_index": strconv.Itoa(index),
				"request_id": reqID,
			})
			m.scheduleWindowLocked()
			return nil
		}
	}

	id := uuid.NewString()
	out, err := m.narrator.Run(m.lifetime, orchestrator.Input{
		RequestID: id,
		ClientID:  m.clientID,
		Kind:      request.KindAsk,
		Question:  buildPrompt(m.cfg, m.params, index),
		SessionID: m.params.Zone,
	})
	if err != nil {
		m.logger.Warn("narration rejected", "stop_index", index, "error", err)
		navEvent(m.store, m.clientID, "narration_error", epoch, map[string]any{
			"stop_index": strconv.Itoa(index),
			"error":      err.Error(),
		})
		return err
	}

	m.activeID = id
	navEvent(m.store, m.clientID, "narration_started", epoch, map[string]any{
		"stop_index": strconv.Itoa(index),
		"request_id": id,
	})
	go m.watchNarration(out, index, epoch)

	m.scheduleWindowLocked()
	return nil
}

// watchNarration drains a live narration and records how it ended. The
// machine does not consume the audio itself; draining only keeps the
// pipeline moving while clients stream segments by request id.
func (m *Machine) watchNarration(out *orchestrator.Outcome, index int, epoch uint64) {
	go func() {
		for range out.Text {
		}
	}()
	for range out.Segments {
	}
	<-out.Done()

	fields := map[string]any{"stop_index": strconv.Itoa(index), "request_id": out.RequestID}
	if err := out.Err(); err != nil {
		fields["error"] = err.Error()
		navEvent(m.store, m.clientID, "narration_error", epoch, fields)
		return
	}
	navEvent(m.store, m.clientID, "narration_done", epoch, fields)
}

func (m *Machine) scheduleWindowLocked() {
	if m.pf == nil || m.mode != ModeRunning {
		return
	}
	last := len(m.params.Stops) - 1
	from := m.index + 1
	to := min(m.index+m.cfg.PrefetchWindow, last)
	if from > to {
		return
	}
	params, epoch := m.params, m.epoch
	m.pf.schedule(m.lifetime, epoch, from, to, func(i int) string {
		return buildPrompt(m.cfg, params, i)
	})
}

// PrefetchState reports the status of each prefetch slot keyed by stop
// index. Nil when prefetch is disabled. Exposed for the status surface.
func (m *Machine) PrefetchState() map[int]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pf == nil {
		return nil
	}
	return m.pf.statuses()
}

func (m *Machine) stopFields() map[string]any {
	f := map[string]any{"stop_index": strconv.Itoa(m.index)}
	if m.index < len(m.params.Stops) {
		f["stop"] = m.params.Stops[m.index]
	}
	return f
}

func (m *Machine) invalidLocked(op string) error {
	return fault.New(fault.CodeBadRequest, fmt.Sprintf("cannot %s a %s tour", op, m.mode))
}
