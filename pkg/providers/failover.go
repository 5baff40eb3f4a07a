package providers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
)

// ErrNoProfiles is returned when no profile is configured.
var ErrNoProfiles = errors.New("providers: no usable profile")

// Factory builds a binding for a profile. New is the default.
type Factory func(Profile) (Provider, error)

type profileState struct {
	Profile
	provider      Provider
	failures      int
	cooldownUntil time.Time
}

// Failover tries profiles in priority order. Each profile gets up to
// maxRetries attempts with exponential backoff (1s, 2s, 4s...) on retryable
// errors. A profile that fails is cooled down for one minute per consecutive
// failure. Non-retryable errors stop the walk immediately.
type Failover struct {
	mu         sync.Mutex
	profiles   []*profileState
	factory    Factory
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	logger     zerolog.Logger
}

type FailoverOption func(*Failover)

func WithFactory(f Factory) FailoverOption {
	return func(fo *Failover) { fo.factory = f }
}

func WithMaxRetries(n int) FailoverOption {
	return func(fo *Failover) {
		if n > 0 {
			fo.maxRetries = n
		}
	}
}

// WithBackoff sets the first retry delay.
func WithBackoff(d time.Duration) FailoverOption {
	return func(fo *Failover) { fo.backoff = d }
}

func NewFailover(profiles []Profile, logger zerolog.Logger, opts ...FailoverOption) *Failover {
	observability.EnsureRegistered()
	fo := &Failover{
		factory:    New,
		maxRetries: 3,
		backoff:    time.Second,
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logger.With().Str("component", "providers").Logger(),
	}
	for _, opt := range opts {
		opt(fo)
	}

	sorted := slices.Clone(profiles)
	slices.SortStableFunc(sorted, func(a, b Profile) int { return a.Priority - b.Priority })
	for _, p := range sorted {
		fo.profiles = append(fo.profiles, &profileState{Profile: p})
	}
	return fo
}

func (f *Failover) Name() string {
	return "failover"
}

func (f *Failover) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	candidates := f.candidates()
	if len(candidates) == 0 {
		return nil, ErrNoProfiles
	}

	var lastErr error
	for _, st := range candidates {
		provider, err := f.providerFor(st)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", st.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		resp, err := f.chatWithRetry(ctx, st.ID, provider, req, logger)
		if err == nil {
			f.markSuccess(st)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}

		f.markFailure(st)
		logger.Warn().Str("profile_id", st.ID).Err(err).Msg("Provider profile failed")
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return nil, fmt.Errorf("all provider profiles failed: %w", lastErr)
}

func (f *Failover) chatWithRetry(ctx context.Context, profileID string, provider Provider, req ChatRequest, logger zerolog.Logger) (*ChatResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "switchboard.providers", "providers.chat",
		attribute.String("provider", provider.Name()),
		attribute.String("profile_id", profileID),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		resp, err := provider.Chat(ctx, req)
		observability.RecordProviderCall(provider.Name(), err == nil)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == f.maxRetries-1 {
			break
		}

		delay := f.backoff * time.Duration(1<<attempt)
		logger.Info().
			Str("profile_id", profileID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")
		if err := f.sleep(ctx, delay); err != nil {
			tracing.Fail(span, err)
			return nil, err
		}
	}

	tracing.Fail(span, lastErr)
	return nil, lastErr
}

// candidates returns the profiles not cooling down, in priority order. When
// all of them are cooling down the one that recovers first is returned alone.
func (f *Failover) candidates() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var ready []*profileState
	var soonest *profileState
	for _, st := range f.profiles {
		if !now.Before(st.cooldownUntil) {
			ready = append(ready, st)
			continue
		}
		if soonest == nil || st.cooldownUntil.Before(soonest.cooldownUntil) {
			soonest = st
		}
	}
	if len(ready) == 0 && soonest != nil {
		f.logger.Debug().Str("profile_id", soonest.ID).Msg("All profiles cooling down, trying the first to recover")
		return []*profileState{soonest}
	}
	return ready
}

func (f *Failover) providerFor(st *profileState) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.provider == nil {
		p, err := f.factory(st.Profile)
		if err != nil {
			return nil, err
		}
		st.provider = p
	}
	return st.provider, nil
}

func (f *Failover) markSuccess(st *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.failures = 0
	st.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(st.ID, false)
}

func (f *Failover) markFailure(st *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.failures++
	st.cooldownUntil = f.now().Add(time.Duration(st.failures) * time.Minute)
	observability.SetProviderCooldown(st.ID, true)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
