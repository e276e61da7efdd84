package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/database"
	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/logging"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Channel delivers alert messages to one external transport.
type Channel interface {
	Name() string
	Send(level Level, message string) error
}

// Manager raises alerts best-effort: every alert is persisted and
// published, duplicate messages are suppressed for the dedup TTL, and
// delivery failures never block or roll back the core loop.
type Manager struct {
	enabled  bool
	dedupTTL time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	channels []Channel
	writer   *database.Writer
	bus      *events.Bus
	log      zerolog.Logger
}

// NewManager builds the alert manager from config. writer and bus may be
// nil in tests.
func NewManager(cfg config.AlertsConfig, writer *database.Writer, bus *events.Bus) *Manager {
	m := &Manager{
		enabled:  cfg.Enabled,
		dedupTTL: time.Duration(cfg.DedupTTLMS) * time.Millisecond,
		lastSent: make(map[string]time.Time),
		writer:   writer,
		bus:      bus,
		log:      logging.Component("alerts"),
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		ch, err := NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			m.log.Warn().Err(err).Msg("telegram channel unavailable")
		} else {
			m.channels = append(m.channels, ch)
		}
	}
	return m
}

// Raise records and delivers one alert. Returns immediately; delivery
// happens on a separate goroutine.
func (m *Manager) Raise(strategy string, level Level, message string) {
	if !m.enabled {
		return
	}
	key := fmt.Sprintf("%s|%s|%s", strategy, level, message)
	if !m.admit(key) {
		return
	}
	now := time.Now().UnixMilli()

	m.log.WithLevel(zerologLevel(level)).Str("strategy", strategy).Msg(message)

	if m.writer != nil {
		m.writer.WriteAlert(now, strategy, channelNames(m.channels), string(level), message, key)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:     events.TypeAlert,
			Strategy: strategy,
			TS:       now,
			Payload:  events.AlertPayload{Level: string(level), Message: message},
		})
	}

	for _, ch := range m.channels {
		go func(ch Channel) {
			if err := ch.Send(level, fmt.Sprintf("[%s] %s", strategy, message)); err != nil {
				m.log.Warn().Err(err).Str("channel", ch.Name()).Msg("alert delivery failed")
			}
		}(ch)
	}
}

// admit applies the dedup TTL and prunes stale keys.
func (m *Manager) admit(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if t, ok := m.lastSent[key]; ok && now.Sub(t) < m.dedupTTL {
		return false
	}
	for k, t := range m.lastSent {
		if now.Sub(t) >= m.dedupTTL {
			delete(m.lastSent, k)
		}
	}
	m.lastSent[key] = now
	return true
}

func channelNames(chs []Channel) string {
	if len(chs) == 0 {
		return "log"
	}
	names := ""
	for i, ch := range chs {
		if i > 0 {
			names += ","
		}
		names += ch.Name()
	}
	return names
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
