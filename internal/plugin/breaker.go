package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"lodestone/internal/domain"
	"lodestone/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 5 * time.Minute
)

// breakers hands out one circuit breaker per plugin. Only infrastructure
// failures count against a plugin; errors the plugin reports itself do not.
type breakers struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu  sync.Mutex
	set map[string]*gobreaker.CircuitBreaker[json.RawMessage]
}

func newBreakers(cfg config.BreakerConfig, logger *slog.Logger) *breakers {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &breakers{cfg: cfg, logger: logger, set: make(map[string]*gobreaker.CircuitBreaker[json.RawMessage])}
}

func (b *breakers) get(pluginID string) *gobreaker.CircuitBreaker[json.RawMessage] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.set[pluginID]; ok {
		return cb
	}
	maxFailures := b.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "plugin:" + pluginID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsInfrastructureError(err)
		},
	})
	b.set[pluginID] = cb
	return cb
}

// execute runs fn through the plugin's breaker, or directly when disabled.
func (b *breakers) execute(pluginID string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	if !b.cfg.Enabled {
		return fn()
	}
	out, err := b.get(pluginID).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open: %v", domain.ErrPluginUnavailable, err)
	}
	return out, err
}

// State reports the breaker state of one plugin.
func (b *breakers) state(pluginID string) gobreaker.State {
	if !b.cfg.Enabled {
		return gobreaker.StateClosed
	}
	return b.get(pluginID).State()
}
