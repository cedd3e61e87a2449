package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/retry"
	"github.com/stewardlabs/steward/pkg/stream"
)

// ProviderProfile is one configured model provider with its failover
// priority. Lower priority numbers are tried first.
type ProviderProfile struct {
	Provider stream.Provider
	Priority int

	failures      int
	cooldownUntil time.Time
}

// providerPool tries providers in priority order, skipping any in
// cooldown. A transient upstream error retries the same provider with
// backoff before the pool fails over; repeated failures lengthen the
// cooldown linearly.
type providerPool struct {
	mu       sync.Mutex
	profiles []*ProviderProfile
	retry    *retry.Executor
	logger   zerolog.Logger
}

func newProviderPool(profiles []*ProviderProfile, retryExec *retry.Executor, logger zerolog.Logger) *providerPool {
	sorted := make([]*ProviderProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &providerPool{profiles: sorted, retry: retryExec, logger: logger}
}

// stream runs one model turn against the first healthy provider,
// consuming the whole fragment stream through consume. On a stream
// error the next provider is tried.
func (p *providerPool) stream(ctx context.Context, req stream.Request, consume func(stream.Fragment) error) error {
	p.mu.Lock()
	candidates := make([]*ProviderProfile, len(p.profiles))
	copy(candidates, p.profiles)
	p.mu.Unlock()

	var lastErr error
	for _, profile := range candidates {
		p.mu.Lock()
		cooling := time.Now().Before(profile.cooldownUntil)
		p.mu.Unlock()
		if cooling {
			p.logger.Debug().
				Str("provider", profile.Provider.Name()).
				Msg("Skipping provider in cooldown")
			continue
		}

		_, err := p.retry.Do(ctx, func(opCtx context.Context) (interface{}, error) {
			return nil, p.streamOne(opCtx, profile, req, consume)
		})
		if err == nil {
			p.markSuccess(profile)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		lastErr = err
		p.markFailure(profile)
		p.logger.Warn().
			Str("provider", profile.Provider.Name()).
			Err(err).
			Msg("Provider failed, trying next")
	}

	if lastErr == nil {
		return fmt.Errorf("no provider available")
	}
	return fmt.Errorf("all providers failed: %w", lastErr)
}

// streamOne buffers the whole fragment stream and delivers it to
// consume only after a clean finish; a retried or failed-over attempt
// must not leak partial output downstream.
func (p *providerPool) streamOne(ctx context.Context, profile *ProviderProfile, req stream.Request, consume func(stream.Fragment) error) error {
	fragments, err := profile.Provider.Stream(ctx, req)
	if err != nil {
		return err
	}
	var buffered []stream.Fragment
	for frag := range fragments {
		if frag.Err != nil {
			return frag.Err
		}
		buffered = append(buffered, frag)
	}
	for _, frag := range buffered {
		if err := consume(frag); err != nil {
			return err
		}
	}
	return nil
}

func (p *providerPool) markSuccess(profile *ProviderProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile.failures = 0
	profile.cooldownUntil = time.Time{}
}

func (p *providerPool) markFailure(profile *ProviderProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile.failures++
	profile.cooldownUntil = time.Now().Add(time.Duration(profile.failures) * time.Minute)
}
