// Package pulse is the maintenance heartbeat. An external cron hits the
// scheduler endpoint once per interval; the scheduler then performs
// PulsesPerMinute*T pulses, self-paced so the run fills its T minutes,
// with a heavier minute action on every PulsesPerMinute-th pulse.
package pulse

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwire/gatehouse/diag"
	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/trust"
)

// Notifier receives the daily diagnostic digest.
type Notifier interface {
	NotifyBacklog(ctx context.Context, entries []diag.Entry) error
}

// Scheduler drives the periodic maintenance work.
type Scheduler struct {
	store    store.Store
	registry *trust.Registry
	diag     *diag.Log
	log      *slog.Logger
	cfg      policy.Config
	metrics  *Metrics
	notifier Notifier

	now   func() time.Time
	sleep func(time.Duration)
}

func NewScheduler(st store.Store, reg *trust.Registry, dg *diag.Log, log *slog.Logger, cfg policy.Config, m *Metrics, n Notifier) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Scheduler{
		store:    st,
		registry: reg,
		diag:     dg,
		log:      log,
		cfg:      cfg,
		metrics:  m,
		notifier: n,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetClock overrides the time and sleep sources. Test hook.
func (s *Scheduler) SetClock(now func() time.Time, sleep func(time.Duration)) {
	s.now = now
	s.sleep = sleep
}

// Alarm runs one scheduler invocation covering minutes of wall time.
// Every pulse fuses over-budget tokens and counts a step; every
// PulsesPerMinute-th pulse additionally runs the minute action. The run
// paces itself so the pulses spread across the window; falling behind
// the schedule is counted as an overload at most once per run.
func (s *Scheduler) Alarm(ctx context.Context, minutes int) error {
	if minutes < 1 {
		return trust.Failf(trust.InvalidArgument, "alarm interval must be at least 1 minute")
	}

	run := uuid.NewString()
	pulses := s.cfg.PulsesPerMinute * minutes
	start := s.now()
	budget := time.Duration(pulses) * s.cfg.PulseInterval
	overloaded := false

	s.log.Info("alarm run started", "run", run, "minutes", minutes, "pulses", pulses)

	for i := 0; i < pulses; i++ {
		if i%s.cfg.PulsesPerMinute == 0 {
			s.minuteAction(ctx)
		}
		s.pulseAction(ctx)

		left := pulses - i - 1
		if left == 0 {
			break
		}
		timeNeeded := time.Duration(left) * s.cfg.PulseInterval
		timeLeft := budget - s.now().Sub(start)
		if timeLeft > timeNeeded {
			s.sleep(timeLeft - timeNeeded)
		} else if !overloaded {
			overloaded = true
			s.metrics.Overloads.Inc()
			s.countStat(ctx, store.StatOverload)
			s.log.Warn("alarm run behind schedule", "run", run,
				"pulses_left", left, "deficit", timeNeeded-timeLeft)
		}
	}

	s.log.Info("alarm run finished", "run", run, "elapsed", s.now().Sub(start))
	return nil
}

// minuteAction is the heavier once-a-minute maintenance: liveness
// gauges, budget decay, token collection, the session sweep, and the
// health checks.
func (s *Scheduler) minuteAction(ctx context.Context) {
	now := s.now()
	day := now.UTC().Format("2006-01-02")
	s.metrics.MinuteActions.Inc()

	sessions, err := s.store.CountActiveSessions(ctx)
	if err != nil {
		s.report(trust.FromStore(err, "counting sessions"))
	}
	addresses, err := s.store.CountBusyAddresses(ctx)
	if err != nil {
		s.report(trust.FromStore(err, "counting addresses"))
	}
	s.metrics.ActiveSessions.Set(float64(sessions))
	s.metrics.BusyAddresses.Set(float64(addresses))
	if err := s.store.RecordLiveness(ctx, day, sessions, addresses); err != nil {
		s.report(trust.FromStore(err, "recording liveness"))
	}

	for _, field := range []store.AddressField{store.AddrRPM, store.AddrFreeTokens} {
		if err := s.store.ResetAddressField(ctx, field); err != nil {
			s.report(trust.FromStore(err, "resetting address "+string(field)))
		}
	}
	if err := s.store.ResetAddressCaps(ctx); err != nil {
		s.report(trust.FromStore(err, "resetting address caps"))
	}
	if err := s.store.ResetTokenRPM(ctx); err != nil {
		s.report(trust.FromStore(err, "resetting token budgets"))
	}
	if _, err := s.store.PruneTokens(ctx, now.Add(-s.cfg.CaptchaTimeout)); err != nil {
		s.report(trust.FromStore(err, "pruning tokens"))
	}

	if s.registry != nil {
		if _, _, err := s.registry.Sweep(ctx, now); err != nil {
			s.report(err)
		}
	}

	s.checkHealth(ctx, now)
}

// pulseAction is the light per-pulse work: fuse tokens that blew their
// budget in the recent window and count the step.
func (s *Scheduler) pulseAction(ctx context.Context) {
	fused, err := s.store.FuseTokens(ctx, s.now().Add(-s.cfg.TokenFuseWindow))
	if err != nil {
		s.report(trust.FromStore(err, "fusing tokens"))
	} else if fused > 0 {
		s.metrics.TokensFused.Add(float64(fused))
		s.log.Info("tokens fused", "count", fused)
	}
	s.metrics.Pulses.Inc()
	s.countStat(ctx, store.StatSteps)
}

// Daily runs the once-a-day maintenance: diagnostic retention and the
// backlog digest.
func (s *Scheduler) Daily(ctx context.Context) error {
	now := s.now()
	if s.diag != nil {
		pruned, err := s.diag.Prune(now.Add(-s.cfg.DiagRetention))
		if err != nil {
			s.report(trust.Failf(trust.Critical, "pruning diagnostics: %v", err))
		} else if pruned > 0 {
			s.log.Info("diagnostics pruned", "count", pruned)
		}

		if s.notifier != nil {
			entries, err := s.diag.EntriesSince(now.Add(-24 * time.Hour))
			if err != nil {
				s.report(trust.Failf(trust.Critical, "reading diagnostic backlog: %v", err))
			} else if len(entries) > 0 {
				if err := s.notifier.NotifyBacklog(ctx, entries); err != nil {
					s.log.Error("backlog notification failed", "error", err)
				}
			}
		}
	}
	s.log.Info("daily maintenance finished")
	return nil
}

func (s *Scheduler) countStat(ctx context.Context, field store.StatField) {
	day := s.now().UTC().Format("2006-01-02")
	if err := s.store.IncrDailyStat(ctx, day, field, 1); err != nil {
		s.log.Warn("daily stat increment failed", "stat", string(field), "error", err)
	}
}

// report routes a failure to the diagnostic log, falling back to slog.
func (s *Scheduler) report(err error) {
	f, ok := trust.As(err)
	if !ok {
		s.log.Error(err.Error())
		return
	}
	if f.Code == trust.Critical && s.diag != nil {
		s.diag.Critical(f.Site(), f.Message)
		return
	}
	s.log.Error(f.Message, "code", string(f.Code), "site", f.Site())
}

// LogNotifier is the default Notifier: it writes the digest to slog.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) NotifyBacklog(_ context.Context, entries []diag.Entry) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	critical := 0
	for _, e := range entries {
		if e.Level == "critical" {
			critical++
		}
	}
	log.Warn("diagnostic backlog", "entries", len(entries), "critical", critical)
	return nil
}
