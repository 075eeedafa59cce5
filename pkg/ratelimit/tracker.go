package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	penaltiesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airtable_rate_limit_penalties_total",
		Help: "Total number of 429 responses that started a penalty window",
	})

	penaltyBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airtable_penalty_blocks_total",
		Help: "Total number of requests refused locally during a penalty window",
	})
)

// Tracker stores and checks the 429 penalty window in Redis.
type Tracker struct {
	redis  redis.Cmdable
	logger zerolog.Logger
}

// NewTracker creates a tracker backed by redisClient.
func NewTracker(redisClient redis.Cmdable, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

func penaltyKey(fingerprint string) string {
	return RedisKeyPenaltyPrefix + fingerprint
}

// GetState returns the penalty state for a credential fingerprint.
// A missing key means no penalty.
func (t *Tracker) GetState(ctx context.Context, fingerprint string) (*PenaltyState, error) {
	data, err := t.redis.Get(ctx, penaltyKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &PenaltyState{Fingerprint: fingerprint}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get penalty state: %w", err)
	}

	var state PenaltyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse penalty state: %w", err)
	}
	return &state, nil
}

// RecordResponse starts a penalty window when status is 429.
// The window honors Retry-After (seconds) and defaults to DefaultPenalty.
func (t *Tracker) RecordResponse(ctx context.Context, fingerprint string, status int, headers http.Header) error {
	if status != http.StatusTooManyRequests {
		return nil
	}

	window := PenaltyWindow(headers)
	now := time.Now()
	state := PenaltyState{
		Fingerprint:  fingerprint,
		BlockedUntil: now.Add(window),
		LastStatus:   status,
		LastUpdate:   now,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal penalty state: %w", err)
	}

	if err := t.redis.Set(ctx, penaltyKey(fingerprint), data, window).Err(); err != nil {
		return fmt.Errorf("store penalty state in redis: %w", err)
	}

	penaltiesRecordedTotal.Inc()
	t.logger.Warn().
		Str("fingerprint", fingerprint).
		Dur("window", window).
		Time("blocked_until", state.BlockedUntil).
		Msg("Airtable rate limit exceeded - penalty window started")

	return nil
}

// ShouldAllowRequest reports whether a request may be sent now, and if not,
// how long the penalty lasts.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, fingerprint string) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, fingerprint)
	if err != nil {
		return false, 0, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.Active() {
		remaining := state.Remaining()
		t.logger.Warn().
			Str("fingerprint", fingerprint).
			Dur("remaining", remaining).
			Msg("Penalty window active - refusing request")
		penaltyBlocksTotal.Inc()
		return false, remaining, nil
	}

	return true, 0, nil
}

// Clear removes any penalty for the fingerprint.
func (t *Tracker) Clear(ctx context.Context, fingerprint string) error {
	if err := t.redis.Del(ctx, penaltyKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PenaltyWindow reads Retry-After (delta seconds or HTTP date) and falls back to DefaultPenalty.
func PenaltyWindow(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return DefaultPenalty
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return DefaultPenalty
}
