package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

const defaultTickInterval = time.Second

// DriverConfig configures the periodic session checks
type DriverConfig struct {
	// TokenProvider refreshes the access token; nil disables reissue
	TokenProvider marketdata.TokenProvider
	// Token is the token used for the first login
	Token         marketdata.TokenInfo
	RefreshMargin time.Duration

	StatsInterval time.Duration
	RunFor        time.Duration // 0 runs until another shutdown condition
	TickInterval  time.Duration // defaults to one second

	// OnStats receives the periodic stats; nil logs them
	OnStats func(Stats)
}

// Driver polls the engine on a steady tick: it ends the session when the
// run duration elapsed or the keepalive timed out, refreshes the token on
// schedule and emits periodic stats. It reads engine state only through
// engine methods.
type Driver struct {
	engine *Engine
	cfg    DriverConfig
	clock  Clock
	logger *zap.Logger

	schedule *ReissueSchedule
	statsAt  time.Time
	endAt    time.Time
}

// NewDriver creates a driver starting at the clock's current time.
// clock may be nil for the system clock.
func NewDriver(engine *Engine, cfg DriverConfig, clock Clock, logger *zap.Logger) *Driver {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = marketdata.DefaultStatsInterval
	}

	now := clock.Now()
	d := &Driver{
		engine:  engine,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With(zap.String("session", engine.SessionID())),
		statsAt: now.Add(cfg.StatsInterval),
	}
	if cfg.RunFor > 0 {
		d.endAt = now.Add(cfg.RunFor)
	}
	if cfg.TokenProvider != nil {
		d.schedule = NewReissueSchedule(cfg.Token, cfg.RefreshMargin, now)
	}
	return d
}

// Run ticks until the session ends. Cancelling ctx shuts the session down
// as interrupted.
func (d *Driver) Run(ctx context.Context) error {
	if d.endAt.IsZero() {
		d.logger.Info("Run indefinitely - CTRL+C to break",
			zap.String("function", "Run"))
	} else {
		d.logger.Info("Run for limited time",
			zap.String("function", "Run"),
			zap.Duration("run_for", d.cfg.RunFor))
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.engine.Done():
			return nil
		case <-ctx.Done():
			d.engine.Shutdown(ReasonInterrupted, nil)
			return nil
		case <-ticker.C:
			d.Step(ctx)
		}
	}
}

// Step performs one round of checks, in order: run duration, token
// reissue, stats, keepalive
func (d *Driver) Step(ctx context.Context) {
	now := d.clock.Now()

	if !d.endAt.IsZero() && !now.Before(d.endAt) {
		d.logger.Info("Run duration elapsed",
			zap.String("function", "Step"))
		d.engine.Shutdown(ReasonRunDurationElapsed, nil)
		return
	}

	if d.schedule != nil && d.schedule.Due(now) {
		if !d.reissueToken(ctx) {
			return
		}
	}

	if !now.Before(d.statsAt) {
		d.emitStats()
		d.statsAt = now.Add(d.cfg.StatsInterval)
	}

	if d.engine.KeepaliveTimedOut() {
		d.logger.Warn("No ping from server, timing out",
			zap.String("function", "Step"),
			zap.Time("deadline", d.engine.KeepaliveDeadline()))
		d.engine.Shutdown(ReasonKeepaliveTimeout, nil)
	}
}

// reissueToken refreshes the token and reissues the login. A failure is
// fatal for the session; it returns false in that case.
func (d *Driver) reissueToken(ctx context.Context) bool {
	token, err := d.cfg.TokenProvider.Token(ctx, d.schedule.RefreshToken())
	if err != nil {
		d.logger.Error("Could not get authorization token",
			zap.String("function", "reissueToken"),
			zap.Error(err))
		d.engine.Shutdown(ReasonTokenRefreshFailed, fmt.Errorf("%w: %v", ErrTokenRefresh, err))
		return false
	}

	reissued, err := d.engine.ApplyToken(token)
	if errors.Is(err, ErrTokenRefresh) {
		d.logger.Error("Token endpoint returned an unusable token",
			zap.String("function", "reissueToken"),
			zap.Error(err))
		d.engine.Shutdown(ReasonTokenRefreshFailed, err)
		return false
	}
	if err != nil {
		d.logger.Warn("Failed to reissue login",
			zap.String("function", "reissueToken"),
			zap.Error(err))
	}
	d.schedule.Update(token, d.clock.Now())

	d.logger.Info("Token refreshed",
		zap.String("function", "reissueToken"),
		zap.Bool("login_reissued", reissued),
		zap.Time("next_refresh", d.schedule.Next()))
	return true
}

func (d *Driver) emitStats() {
	stats := d.engine.Stats()
	if d.cfg.OnStats != nil {
		d.cfg.OnStats(stats)
		return
	}
	d.logger.Info("Stats", StatsFields(stats)...)
}
