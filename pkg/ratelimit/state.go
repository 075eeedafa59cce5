// Package ratelimit paces paginated requests and tracks Airtable's 429
// penalty window. Airtable rejects every request for 30 seconds after a
// client exceeds 5 requests/second; the Tracker shares that window through
// Redis so other processes using the same token stop early instead of
// extending the penalty.
package ratelimit

import (
	"time"
)

// Redis key prefix for penalty state, followed by the credential fingerprint.
const RedisKeyPenaltyPrefix = "airtable:rate_limit:penalty:"

// DefaultPenalty is how long Airtable rejects requests after a 429.
const DefaultPenalty = 30 * time.Second

// PenaltyState is the shared rate limit state for one credential.
type PenaltyState struct {
	// Fingerprint identifies the credential without revealing it.
	Fingerprint string `json:"fingerprint"`

	// BlockedUntil is when requests may resume. Zero when no penalty is active.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastStatus is the HTTP status that started the penalty.
	LastStatus int `json:"last_status"`

	// LastUpdate is when the penalty was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether requests are still being refused.
func (s *PenaltyState) Active() bool {
	return time.Now().Before(s.BlockedUntil)
}

// Remaining returns the time left in the penalty window, or 0.
func (s *PenaltyState) Remaining() time.Duration {
	d := time.Until(s.BlockedUntil)
	if d < 0 {
		return 0
	}
	return d
}
