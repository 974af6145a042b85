package tour

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openmuse/docent/internal/cancel"
	"github.com/openmuse/docent/internal/observe"
	"github.com/openmuse/docent/internal/orchestrator"
	"github.com/openmuse/docent/internal/request"
)

type slotStatus string

const (
	slotPending  slotStatus = "pending"
	slotReady    slotStatus = "ready"
	slotConsumed slotStatus = "consumed"
	slotEvicted  slotStatus = "evicted"
)

// slot is one speculative narration. Identity is (index, epoch): a slot
// produced under an older epoch is never replayed, whatever its status.
type slot struct {
	index     int
	epoch     uint64
	status    slotStatus
	requestID string
}

// prefetcher narrates upcoming stops ahead of playback. Work runs through
// the same narrator as live requests, under kind ask_prefetch, with
// concurrency bounded by the window size. A ready slot's audio stays in the
// conversation layer's segment store; replaying it is just handing its
// request id to the client.
type prefetcher struct {
	clientID string
	narrator Narrator
	window   int
	sem      *semaphore.Weighted
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu    sync.Mutex
	slots map[int]*slot
}

func newPrefetcher(clientID string, narrator Narrator, window int, logger *slog.Logger, metrics *observe.Metrics) *prefetcher {
	return &prefetcher{
		clientID: clientID,
		narrator: narrator,
		window:   window,
		sem:      semaphore.NewWeighted(int64(window)),
		logger:   logger.With("component", "prefetch"),
		metrics:  metrics,
		slots:    make(map[int]*slot),
	}
}

// retireLocked decrements the slot gauge when s leaves the pending/ready
// population. Caller must hold p.mu.
func (p *prefetcher) retireLocked(ctx context.Context, s *slot) {
	if s.status == slotPending || s.status == slotReady {
		p.metrics.PrefetchSlots.Add(ctx, -1)
	}
}

// schedule ensures slots exist for stops from..to (inclusive) under the
// given epoch. Stops already pending or ready for that epoch are left alone.
func (p *prefetcher) schedule(ctx context.Context, epoch uint64, from, to int, promptFor func(index int) string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := from; i <= to; i++ {
		if s, ok := p.slots[i]; ok {
			if s.epoch == epoch && (s.status == slotPending || s.status == slotReady) {
				continue
			}
			p.retireLocked(ctx, s)
		}
		s := &slot{
			index:     i,
			epoch:     epoch,
			status:    slotPending,
			requestID: uuid.NewString(),
		}
		p.slots[i] = s
		p.metrics.PrefetchSlots.Add(ctx, 1)
		go p.run(ctx, s, promptFor(i))
	}
}

func (p *prefetcher) run(ctx context.Context, s *slot, prompt string) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	// The slot may have been evicted while queued behind the semaphore.
	p.mu.Lock()
	stale := p.slots[s.index] != s || s.status != slotPending
	p.mu.Unlock()
	if stale {
		return
	}

	out, err := p.narrator.Run(ctx, orchestrator.Input{
		RequestID: s.requestID,
		ClientID:  p.clientID,
		Kind:      request.KindAskPrefetch,
		ParentID:  strconv.FormatUint(s.epoch, 10),
		Question:  prompt,
	})
	if err != nil {
		p.logger.Debug("prefetch rejected", "stop_index", s.index, "error", err)
		p.drop(s)
		return
	}

	go func() {
		for range out.Text {
		}
	}()
	for range out.Segments {
	}
	<-out.Done()

	if err := out.Err(); err != nil {
		p.logger.Debug("prefetch failed", "stop_index", s.index, "error", err)
		p.drop(s)
		return
	}

	p.mu.Lock()
	if p.slots[s.index] == s && s.status == slotPending {
		s.status = slotReady
	}
	p.mu.Unlock()
}

// take consumes the ready slot for the given stop under the current epoch.
// It returns the request id whose audio segments hold the narration.
func (p *prefetcher) take(index int, epoch uint64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[index]
	if !ok || s.epoch != epoch || s.status != slotReady {
		return "", false
	}
	p.retireLocked(context.Background(), s)
	s.status = slotConsumed
	return s.requestID, true
}

// advance slides the window forward to newIndex under newEpoch: slots for
// passed stops or beyond the window are evicted, the rest are re-stamped to
// the new epoch. A forward step along the planned route does not change what
// the surviving slots narrate, so their content stays valid.
func (p *prefetcher) advance(fabric *cancel.Fabric, newIndex int, newEpoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.slots {
		if s.index < newIndex || s.index > newIndex+p.window {
			if s.status == slotPending {
				fabric.CancelRequest(s.requestID, cancel.ReasonSuperseded)
			}
			p.retireLocked(context.Background(), s)
			s.status = slotEvicted
			delete(p.slots, i)
			continue
		}
		s.epoch = newEpoch
	}
}

// evictAll discards every slot and cancels the in-flight ones. Called on
// each transition that abandons the planned route: anything produced for
// the old epoch is stale.
func (p *prefetcher) evictAll(fabric *cancel.Fabric) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.slots {
		if s.status == slotPending {
			fabric.CancelRequest(s.requestID, cancel.ReasonSuperseded)
		}
		p.retireLocked(context.Background(), s)
		s.status = slotEvicted
		delete(p.slots, i)
	}
}

func (p *prefetcher) statuses() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]string, len(p.slots))
	for i, s := range p.slots {
		out[i] = string(s.status)
	}
	return out
}

// drop removes a slot that failed to produce narration so the stop falls
// back to live synthesis when reached.
func (p *prefetcher) drop(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[s.index] == s {
		p.retireLocked(context.Background(), s)
		delete(p.slots, s.index)
	}
}
