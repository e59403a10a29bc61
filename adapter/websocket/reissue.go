package websocket

import (
	"time"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

const minReissueDelay = time.Second

// ReissueDelay returns how long after issue a token should be refreshed:
// margin before it expires, or half its lifetime when the lifetime is not
// longer than the margin. The delay is never below one second.
func ReissueDelay(expiresIn, margin time.Duration) time.Duration {
	delay := expiresIn - margin
	if expiresIn <= margin {
		delay = expiresIn / 2
	}
	if delay < minReissueDelay {
		delay = minReissueDelay
	}
	return delay
}

// ReissueSchedule tracks when the access token must be refreshed and the
// refresh token to use
type ReissueSchedule struct {
	margin       time.Duration
	refreshToken string
	due          time.Time
}

// NewReissueSchedule starts the schedule from a token obtained at now
func NewReissueSchedule(token marketdata.TokenInfo, margin time.Duration, now time.Time) *ReissueSchedule {
	s := &ReissueSchedule{margin: margin}
	s.Update(token, now)
	return s
}

// Update records a token obtained at now. A response without a refresh
// token keeps the previous one.
func (s *ReissueSchedule) Update(token marketdata.TokenInfo, now time.Time) {
	if token.RefreshToken != "" {
		s.refreshToken = token.RefreshToken
	}
	s.due = now.Add(ReissueDelay(token.ExpiresIn, s.margin))
}

// Due reports whether the token should be refreshed at now
func (s *ReissueSchedule) Due(now time.Time) bool {
	return !now.Before(s.due)
}

func (s *ReissueSchedule) RefreshToken() string { return s.refreshToken }

func (s *ReissueSchedule) Next() time.Time { return s.due }
