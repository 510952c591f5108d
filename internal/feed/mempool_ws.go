// Package feed holds the passive event sources: the mempool websocket
// listener and the settlement event feeder.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = time.Minute
)

// Subscription topics understood by eth_subscribe.
const (
	TopicPendingTx = "newPendingTransactions"
	TopicNewHeads  = "newHeads"
)

// ChainEventHandler receives each event the feed observes.
type ChainEventHandler func(ctx context.Context, ev domain.ChainEvent)

// MempoolConfig configures MempoolFeed.
type MempoolConfig struct {
	URL    string
	Topics []string
	// ReconnectDelay doubles after every failed connection up to
	// MaxReconnectDelay, and resets once a subscription succeeds.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// MempoolFeed subscribes to a node's websocket endpoint and turns
// subscription notifications into domain.ChainEvent values. It reconnects
// until its context ends.
type MempoolFeed struct {
	cfg     MempoolConfig
	handler ChainEventHandler
	logger  *slog.Logger
	dialer  websocket.Dialer

	mu       sync.Mutex
	received int64
}

// NewMempoolFeed creates a feed. Topics defaults to pending transactions.
func NewMempoolFeed(cfg MempoolConfig, handler ChainEventHandler, logger *slog.Logger) *MempoolFeed {
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{TopicPendingTx}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(defaultMaxReconnectDelay, cfg.ReconnectDelay)
	}
	return &MempoolFeed{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String("component", "mempool_feed")),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Received returns the number of events delivered so far.
func (f *MempoolFeed) Received() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// Run blocks until ctx is cancelled, reconnecting with backoff.
func (f *MempoolFeed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		subscribed, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "mempool ws disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// wsMessage covers both subscription acks and notifications.
type wsMessage struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// runConnection serves one websocket session. subscribed reports whether
// every topic was acknowledged before the session ended.
func (f *MempoolFeed) runConnection(ctx context.Context) (subscribed bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	// id -> topic until acked, then subscription id -> topic.
	pending := make(map[int]string, len(f.cfg.Topics))
	for i, topic := range f.cfg.Topics {
		id := i + 1
		pending[id] = topic
		if err := write(subscribeRequest{JSONRPC: "2.0", ID: id, Method: "eth_subscribe", Params: []any{topic}}); err != nil {
			return false, fmt.Errorf("feed: subscribe %s: %w", topic, err)
		}
	}
	topics := make(map[string]string, len(f.cfg.Topics))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return subscribed, fmt.Errorf("feed: %w: %w", domain.ErrWSDisconnect, err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.DebugContext(ctx, "mempool ws bad message", slog.String("error", err.Error()))
			continue
		}

		if msg.Method == "" {
			topic, ok := pending[msg.ID]
			if !ok {
				continue
			}
			delete(pending, msg.ID)
			if msg.Error != nil {
				return subscribed, fmt.Errorf("feed: subscribe %s: %d %s", topic, msg.Error.Code, msg.Error.Message)
			}
			var subID string
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return subscribed, fmt.Errorf("feed: subscribe %s: bad ack: %w", topic, err)
			}
			topics[subID] = topic
			if len(pending) == 0 {
				subscribed = true
				f.logger.InfoContext(ctx, "mempool ws subscribed", slog.Any("topics", f.cfg.Topics))
			}
			continue
		}

		if msg.Method != "eth_subscription" {
			continue
		}
		ev, ok := toChainEvent(topics[msg.Params.Subscription], msg.Params.Result)
		if !ok {
			continue
		}
		f.mu.Lock()
		f.received++
		f.mu.Unlock()
		if f.handler != nil {
			f.handler(ctx, ev)
		}
	}
}

// toChainEvent maps a notification payload: pending transactions arrive as
// a bare hash, heads as an object with a hash field.
func toChainEvent(topic string, result json.RawMessage) (domain.ChainEvent, bool) {
	ev := domain.ChainEvent{Kind: topic, ObservedAt: time.Now()}
	switch topic {
	case TopicPendingTx:
		if err := json.Unmarshal(result, &ev.TxHash); err != nil {
			return ev, false
		}
		ev.Kind = "pending_tx"
	case TopicNewHeads:
		var head struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(result, &head); err != nil {
			return ev, false
		}
		ev.Kind, ev.TxHash = "new_head", head.Hash
	default:
		return ev, false
	}
	return ev, true
}

func errString(err error) string {
	if err == nil {
		return "closed by server"
	}
	return err.Error()
}
