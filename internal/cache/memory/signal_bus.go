package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const streamMaxLen = 10000

// SignalBus is an in-process domain.SignalBus for single-node and dry-run
// deployments. Slow subscribers miss messages rather than block publishers.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that is closed when ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], ch)
		close(ch)
	})
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if over := len(msgs) - streamMaxLen; over > 0 {
		msgs = msgs[over:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count messages after lastID. "0", "0-0" and ""
// read from the beginning; "$" returns nothing.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lastID == "$" {
		return nil, nil
	}
	after := streamSeq(lastID)
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) uint64 {
	seq, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(seq, 10, 64)
	return n
}

var _ domain.SignalBus = (*SignalBus)(nil)
