// ABOUTME: Periodic liveness loop with a grace-period challenge before eviction
// ABOUTME: Idle is measured across both the stream and the store channel

package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/synaptiq/synapse-hub/internal/session"
)

// LivenessConfig holds the timing knobs for the liveness loop.
type LivenessConfig struct {
	// StaleTimeout is how long a session may be idle before it is
	// challenged.
	StaleTimeout time.Duration
	// Grace is the window after StaleTimeout during which a challenged
	// session can still prove liveness.
	Grace time.Duration
	// MaxSleep caps how long a sleeping session survives without activity.
	MaxSleep time.Duration
	// CheckInterval is the loop period.
	CheckInterval time.Duration
}

// Liveness evicts or challenges idle sessions on a fixed period.
type Liveness struct {
	registry *session.Registry
	cfg      LivenessConfig
	logger   *slog.Logger
}

// NewLiveness creates the liveness loop for a registry.
func NewLiveness(registry *session.Registry, cfg LivenessConfig, logger *slog.Logger) *Liveness {
	return &Liveness{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "liveness"),
	}
}

// Run drives the loop until the context is cancelled. On shutdown the
// current sweep finishes before Run returns.
func (l *Liveness) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()

	l.logger.Info("liveness loop started",
		"stale_timeout", l.cfg.StaleTimeout,
		"grace", l.cfg.Grace,
		"max_sleep", l.cfg.MaxSleep,
		"check_interval", l.cfg.CheckInterval,
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("liveness loop stopped")
			return
		case <-ticker.C:
			l.Sweep(time.Now().UTC())
		}
	}
}

// Sweep examines every live session once and challenges or evicts the
// idle ones. Exported so tests can drive the loop with a fixed clock.
func (l *Liveness) Sweep(now time.Time) {
	for _, sess := range l.registry.All() {
		l.check(sess, now)
	}
}

func (l *Liveness) check(sess *session.Session, now time.Time) {
	// Sleeping sessions are exempt until their declared sleep runs out,
	// capped at MaxSleep past the last activity.
	if deadline, sleeping := sess.SleepDeadline(); sleeping {
		limit := sess.LastActivity().Add(l.cfg.MaxSleep)
		if deadline.After(limit) {
			deadline = limit
		}
		if now.Before(deadline) {
			return
		}
		l.logger.Info("sleep expired, evicting",
			"ai_id", sess.AIID,
			"session_id", sess.Identifier,
		)
		l.registry.Evict(sess, "idle")
		return
	}

	idle := now.Sub(sess.LastActivity())
	if idle < l.cfg.StaleTimeout {
		return
	}

	if idle < l.cfg.StaleTimeout+l.cfg.Grace {
		// Challenge is idempotent: an already-challenged session keeps
		// its original challenge instant and gets no second frame.
		if sess.Challenge(now) {
			l.logger.Info("challenging idle session",
				"ai_id", sess.AIID,
				"session_id", sess.Identifier,
				"idle", idle,
			)
			sess.Enqueue(Frame{
				Type:    FrameActivityVerification,
				Content: []byte(`"respond to confirm this session is alive"`),
				Urgent:  true,
			})
		}
		return
	}

	l.logger.Warn("evicting idle session",
		"ai_id", sess.AIID,
		"session_id", sess.Identifier,
		"idle", idle,
	)
	l.registry.Evict(sess, "idle")
}
