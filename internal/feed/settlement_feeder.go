package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/ledger"
)

// SettlementFeeder follows the settlement channel, from this process or any
// other replica, and keeps the most recent events for the status page.
type SettlementFeeder struct {
	bus    domain.SignalBus
	keep   int
	logger *slog.Logger

	mu     sync.RWMutex
	recent []ledger.SettlementEvent
	seen   int64
}

// NewSettlementFeeder creates a feeder that remembers the last keep events.
func NewSettlementFeeder(bus domain.SignalBus, keep int, logger *slog.Logger) *SettlementFeeder {
	if keep <= 0 {
		keep = 50
	}
	return &SettlementFeeder{
		bus:    bus,
		keep:   keep,
		logger: logger.With(slog.String("component", "settlement_feeder")),
	}
}

// Run subscribes to ledger.EventChannel until ctx is cancelled.
func (f *SettlementFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, ledger.EventChannel)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "settlement feeder started")
	defer f.logger.InfoContext(ctx, "settlement feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := ledger.DecodeEvent(data)
			if err != nil {
				f.logger.DebugContext(ctx, "settlement feeder bad payload",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			f.add(ev)
		}
	}
}

func (f *SettlementFeeder) add(ev ledger.SettlementEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen++
	f.recent = append(f.recent, ev)
	if over := len(f.recent) - f.keep; over > 0 {
		f.recent = append(f.recent[:0:0], f.recent[over:]...)
	}
}

// Recent returns the remembered events, newest first.
func (f *SettlementFeeder) Recent() []ledger.SettlementEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ledger.SettlementEvent, len(f.recent))
	for i, ev := range f.recent {
		out[len(f.recent)-1-i] = ev
	}
	return out
}

// Seen returns how many events were received.
func (f *SettlementFeeder) Seen() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seen
}
