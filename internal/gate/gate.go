// Package gate authorizes dispatch triggers and serializes dispatch cycles.
package gate

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"
	"webhookd/internal/apperrors"
	"webhookd/internal/dispatcher"
	"webhookd/internal/lock"
)

const (
	lockKey        = "dispatch-cycle"
	defaultLockTTL = 5 * time.Minute
)

// Source names who asked for a cycle.
type Source string

const (
	SourceCron     Source = "cron"
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
)

// Credentials are the shared secrets presented with a trigger.
type Credentials struct {
	Cron  string
	Admin string
}

// Runner runs one dispatch cycle.
type Runner interface {
	RunCycle(ctx context.Context) (dispatcher.Result, error)
}

// Gate checks trigger credentials and runs at most one cycle at a time per
// lock scope.
type Gate struct {
	runner     Runner
	locker     lock.Locker
	cronSecret string
	adminToken string
	lockTTL    time.Duration
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLockTTL bounds how long a crashed cycle can block the next one.
func WithLockTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.lockTTL = ttl
		}
	}
}

// New creates a gate. An empty secret never authorizes anything.
func New(runner Runner, locker lock.Locker, cronSecret, adminToken string, opts ...Option) *Gate {
	g := &Gate{
		runner:     runner,
		locker:     locker,
		cronSecret: cronSecret,
		adminToken: adminToken,
		lockTTL:    defaultLockTTL,
		logger:     slog.With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize reports whether either credential matches.
func (g *Gate) Authorize(creds Credentials) error {
	if secretMatches(creds.Cron, g.cronSecret) || secretMatches(creds.Admin, g.adminToken) {
		return nil
	}
	return apperrors.Unauthorized("Unauthorized")
}

// Trigger authorizes creds and runs one cycle. Nothing touches the store
// when authorization fails.
func (g *Gate) Trigger(ctx context.Context, creds Credentials, source Source) (dispatcher.Result, error) {
	if err := g.Authorize(creds); err != nil {
		g.logger.WarnContext(ctx, "Rejected dispatch trigger", "source", source)
		return dispatcher.Result{}, err
	}
	return g.Run(ctx, source)
}

// Run executes one cycle under the cycle lock without checking credentials.
// A held lock skips the cycle. A failing locker is logged and the cycle runs
// anyway, since the store's claim lease already prevents double delivery.
func (g *Gate) Run(ctx context.Context, source Source) (dispatcher.Result, error) {
	handle, ok, err := g.locker.TryLock(ctx, lockKey, g.lockTTL)
	switch {
	case err != nil:
		g.logger.WarnContext(ctx, "Cycle lock unavailable, running unlocked", "source", source, "error", err)
	case !ok:
		g.logger.InfoContext(ctx, "Dispatch cycle already running, skipped", "source", source)
		return dispatcher.Result{Skipped: true}, nil
	default:
		defer func() {
			if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
				g.logger.WarnContext(ctx, "Failed to release cycle lock", "error", err)
			}
		}()
	}

	result, err := g.runner.RunCycle(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "Dispatch cycle failed", "source", source, "error", err)
		return result, apperrors.Internal("dispatch.cycle", err)
	}
	return result, nil
}

func secretMatches(given, configured string) bool {
	if configured == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(configured)) == 1
}
