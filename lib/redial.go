package lib

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RedialConfig defines how DialWithRetry repeats a failed dial
type RedialConfig struct {
	MaxRetries        int           // Maximum number of redial attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff duration (e.g., 100ms)
	MaxBackoff        time.Duration // Maximum backoff duration (e.g., 30s)
	BackoffMultiplier float64       // Backoff multiplier for exponential backoff (e.g., 1.5 or 2.0)
	OnRedial          func(attempt int, err error)
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DialWithRetry dials until a handshake succeeds. It only helps when each
// attempt is bounded, through ctx or ConnectionConfig.MaxConnSignalRetries.
func (p *RdtCore) DialWithRetry(ctx context.Context, address string, connConfig *ConnectionConfig, redialConfig *RedialConfig) (*Connection, error) {
	if redialConfig == nil {
		redialConfig = DefaultRedialConfig()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := p.DialContext(ctx, address, connConfig)
		if err == nil {
			if attempt > 0 {
				log.Info().Str("target", address).Int("attempt", attempt+1).Msg("dial succeeded after retry")
			}
			return conn, nil
		}
		lastErr = err
		if errors.Is(err, ErrCoreClosed) || ctx.Err() != nil {
			return nil, err
		}
		if redialConfig.MaxRetries != -1 && attempt >= redialConfig.MaxRetries {
			return nil, errors.Wrapf(lastErr, "max redial attempts (%d) reached", redialConfig.MaxRetries)
		}
		if redialConfig.OnRedial != nil {
			redialConfig.OnRedial(attempt+1, err)
		}

		backoff := redialConfig.backoff(attempt)
		log.Warn().Err(err).Str("target", address).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("dial failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), lastErr.Error())
		}
	}
}

// backoff grows exponentially up to MaxBackoff with ±10% jitter
func (rc *RedialConfig) backoff(attempt int) time.Duration {
	exponentialBackoff := time.Duration(float64(rc.InitialBackoff) * math.Pow(rc.BackoffMultiplier, float64(attempt)))
	if exponentialBackoff > rc.MaxBackoff {
		exponentialBackoff = rc.MaxBackoff
	}

	jitterFraction := 0.1
	jitter := time.Duration(float64(exponentialBackoff) * jitterFraction * (2*rand.Float64() - 1.0))

	return exponentialBackoff + jitter
}
