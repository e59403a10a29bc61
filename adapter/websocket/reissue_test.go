package websocket

import (
	"testing"
	"time"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

func TestReissueDelay(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		margin    time.Duration
		want      time.Duration
	}{
		{"margin before expiry", 300 * time.Second, 30 * time.Second, 270 * time.Second},
		{"lifetime equal to margin", 30 * time.Second, 30 * time.Second, 15 * time.Second},
		{"lifetime shorter than margin", 20 * time.Second, 30 * time.Second, 10 * time.Second},
		{"zero margin", 60 * time.Second, 0, 60 * time.Second},
		{"floor of one second", time.Second, 30 * time.Second, time.Second},
		{"unknown lifetime", 0, 30 * time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReissueDelay(tt.expiresIn, tt.margin); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestReissueSchedule(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewReissueSchedule(marketdata.TokenInfo{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresIn:    300 * time.Second,
	}, 30*time.Second, now)

	if s.Due(now.Add(269 * time.Second)) {
		t.Error("Expected schedule not due before expiry minus margin")
	}
	if !s.Due(now.Add(270 * time.Second)) {
		t.Error("Expected schedule due at expiry minus margin")
	}
	if s.RefreshToken() != "r1" {
		t.Errorf("Expected refresh token r1, got %s", s.RefreshToken())
	}

	later := now.Add(270 * time.Second)
	s.Update(marketdata.TokenInfo{AccessToken: "a2", ExpiresIn: 300 * time.Second}, later)

	if s.RefreshToken() != "r1" {
		t.Errorf("Expected refresh token to be kept when none is returned, got %s", s.RefreshToken())
	}
	if want := later.Add(270 * time.Second); !s.Next().Equal(want) {
		t.Errorf("Expected next refresh %v, got %v", want, s.Next())
	}

	s.Update(marketdata.TokenInfo{AccessToken: "a3", RefreshToken: "r3", ExpiresIn: 300 * time.Second}, later)
	if s.RefreshToken() != "r3" {
		t.Errorf("Expected refresh token r3, got %s", s.RefreshToken())
	}
}
