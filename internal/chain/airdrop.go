package chain

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrAirdropFailed reports that the attempt budget was exhausted
// without ever observing a positive balance.
var ErrAirdropFailed = errors.New("airdrop failed after all attempts")

// AirdropConfig tunes the retry loop. Zero values fall back to the
// defaults the devnet tooling has always used.
type AirdropConfig struct {
	Attempts     int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	PollCount    int
}

func (c AirdropConfig) withDefaults() AirdropConfig {
	if c.Attempts <= 0 {
		c.Attempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollCount <= 0 {
		c.PollCount = 10
	}
	return c
}

// Backoff returns the delay before retry attempt n (1-based):
// min(max, base * 2^(n-1)).
func (c AirdropConfig) Backoff(attempt int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// AirdropWithRetry requests test-network funds for addr and waits for
// the balance to turn positive. Submission failures back off
// exponentially; success is the observed balance, not the submission.
func AirdropWithRetry(ctx context.Context, client Client, addr Address, amount uint64, cfg AirdropConfig, log zerolog.Logger) error {
	cfg = cfg.withDefaults()

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		sig, err := client.RequestAirdrop(ctx, addr, amount)
		if err != nil {
			backoff := cfg.Backoff(attempt)
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(err).
				Msg("airdrop request failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		log.Info().Str("signature", string(sig)).Int("attempt", attempt).Msg("airdrop submitted")

		for i := 0; i < cfg.PollCount; i++ {
			bal, err := client.GetBalance(ctx, addr)
			if err == nil && bal > 0 {
				log.Info().Uint64("balance", bal).Msg("airdrop confirmed")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.PollInterval):
			}
		}
		// Submitted but balance never showed up inside the polling
		// window; treat like a failed attempt.
	}

	return ErrAirdropFailed
}
