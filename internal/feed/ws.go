package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket subscriber — market discovery and leader-wallet streams
// ---------------------------------------------------------------------------

// Config configures the feed subscriber.
type Config struct {
	Endpoint         string   `yaml:"endpoint"`
	Channels         []string `yaml:"channels"` // default: market, leader
	ReconnectDelayMs int      `yaml:"reconnect_delay_ms"`
	PingIntervalS    int      `yaml:"ping_interval_s"`
	MaxReconnects    int      `yaml:"max_reconnects"` // 0 = unlimited
}

// DefaultConfig returns subscriber defaults.
func DefaultConfig() Config {
	return Config{
		Channels:         []string{"market", "leader"},
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
		MaxReconnects:    0,
	}
}

// envelope wraps every message on the wire.
type envelope struct {
	Type string          `json:"type"` // "market" | "leader"
	Data json.RawMessage `json:"data"`
}

// Subscriber maintains the feed connection and fans validated events out
// to the market and leader channels. Malformed events are dropped with a
// log line, never propagated.
type Subscriber struct {
	cfg Config

	mu   sync.RWMutex
	conn *websocket.Conn

	marketChan chan MarketEvent
	leaderChan chan LeaderEvent
	closed     atomic.Bool

	messagesRecv atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewSubscriber creates a feed subscriber.
func NewSubscriber(cfg Config) *Subscriber {
	if cfg.ReconnectDelayMs <= 0 {
		cfg.ReconnectDelayMs = 1000
	}
	if cfg.PingIntervalS <= 0 {
		cfg.PingIntervalS = 30
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"market", "leader"}
	}
	return &Subscriber{
		cfg:        cfg,
		marketChan: make(chan MarketEvent, 256),
		leaderChan: make(chan LeaderEvent, 256),
	}
}

// MarketEvents is the validated market stream.
func (s *Subscriber) MarketEvents() <-chan MarketEvent { return s.marketChan }

// LeaderEvents is the validated leader-wallet stream.
func (s *Subscriber) LeaderEvents() <-chan LeaderEvent { return s.leaderChan }

// Connected reports current connection state.
func (s *Subscriber) Connected() bool { return s.connected.Load() }

// Dropped is the count of malformed events discarded so far.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Start runs the connect/read/reconnect loop until ctx is cancelled.
// Both event channels are closed on return.
func (s *Subscriber) Start(ctx context.Context) {
	go s.runLoop(ctx)
}

func (s *Subscriber) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: runLoop panic recovered")
		}
		if s.closed.CompareAndSwap(false, true) {
			close(s.marketChan)
			close(s.leaderChan)
		}
	}()

	reconnectDelay := time.Duration(s.cfg.ReconnectDelayMs) * time.Millisecond
	reconnectCount := 0
	maxDelay := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return
		default:
		}

		if s.cfg.MaxReconnects > 0 && reconnectCount >= s.cfg.MaxReconnects {
			log.Error().Int("max", s.cfg.MaxReconnects).Msg("feed: max reconnects reached, cooling down")
			select {
			case <-time.After(60 * time.Second):
				reconnectCount = 0
				continue
			case <-ctx.Done():
				s.disconnect()
				return
			}
		}

		if err := s.connect(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", reconnectCount).Msg("feed: connection failed")
			reconnectCount++
			s.reconnects.Add(1)
			select {
			case <-time.After(reconnectDelay):
				reconnectDelay *= 2
				if reconnectDelay > maxDelay {
					reconnectDelay = maxDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}

		reconnectCount = 0
		reconnectDelay = time.Duration(s.cfg.ReconnectDelayMs) * time.Millisecond

		if err := s.subscribe(); err != nil {
			log.Warn().Err(err).Msg("feed: subscribe failed")
			s.disconnect()
			continue
		}

		s.readLoop(ctx)
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.Endpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)

	log.Info().Str("endpoint", s.cfg.Endpoint).Msg("feed: connected")
	return nil
}

func (s *Subscriber) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *Subscriber) subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	req := map[string]any{
		"op":       "subscribe",
		"channels": s.cfg.Channels,
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("feed: write subscribe: %w", err)
	}
	log.Info().Strs("channels", s.cfg.Channels).Msg("feed: subscribed")
	return nil
}

func (s *Subscriber) readLoop(ctx context.Context) {
	pingTicker := time.NewTicker(time.Duration(s.cfg.PingIntervalS) * time.Second)
	defer pingTicker.Stop()
	defer s.disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("feed: ping failed")
					return
				}
			}
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("feed: read failed, reconnecting")
			return
		}
		s.messagesRecv.Add(1)
		s.dispatch(ctx, raw)
	}
}

// dispatch decodes one wire message and forwards it if valid. A full
// output channel drops the event rather than blocking the read loop.
func (s *Subscriber) dispatch(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.dropped.Add(1)
		log.Warn().Err(err).Msg("feed: undecodable message dropped")
		return
	}

	switch env.Type {
	case "market":
		var ev MarketEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.drop(err)
			return
		}
		if err := ev.Validate(); err != nil {
			s.drop(err)
			return
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		select {
		case s.marketChan <- ev:
		case <-ctx.Done():
		default:
			s.drop(fmt.Errorf("feed: market channel full"))
		}

	case "leader":
		var ev LeaderEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.drop(err)
			return
		}
		if err := ev.Validate(); err != nil {
			s.drop(err)
			return
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		select {
		case s.leaderChan <- ev:
		case <-ctx.Done():
		default:
			s.drop(fmt.Errorf("feed: leader channel full"))
		}

	default:
		s.drop(fmt.Errorf("feed: unknown message type %q", env.Type))
	}
}

func (s *Subscriber) drop(err error) {
	s.dropped.Add(1)
	log.Warn().Err(err).Msg("feed: event dropped")
}
