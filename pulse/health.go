package pulse

import (
	"context"
	"time"

	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/trust"
)

// checkHealth runs the edge-triggered availability checks: fusing and
// unfusing of critical sessions, and presence of the decoder and
// encoder roles. Each transition is reported exactly once; steady
// states stay quiet.
func (s *Scheduler) checkHealth(ctx context.Context, now time.Time) {
	s.checkCriticalSessions(ctx, now)
	s.checkRolePresence(ctx, now, trust.RoleDecoder, store.StatDecoderOnline, "decoder")
	s.checkRolePresence(ctx, now, trust.RoleEncoder, store.StatEncoderOnline, "encoder")
}

func (s *Scheduler) checkCriticalSessions(ctx context.Context, now time.Time) {
	sessions, err := s.store.SessionsByFlags(ctx, trust.FlagCritical)
	if err != nil {
		s.report(trust.FromStore(err, "listing critical sessions"))
		return
	}
	fuseCutoff := now.Add(-s.cfg.CriticalFuseAfter)
	for i := range sessions {
		sess := &sessions[i]
		fused := sess.Flags&trust.FlagFused != 0
		switch {
		case !fused && !sess.Active() && sess.LastRequestAt.Before(fuseCutoff):
			if err := s.store.SetSessionFlags(ctx, sess.Nr, sess.Flags|trust.FlagFused); err != nil {
				s.report(trust.FromStore(err, "fusing critical session"))
				continue
			}
			f := trust.Failf(trust.Critical, "critical session %d offline since %s",
				sess.Nr, sess.LastRequestAt.UTC().Format(time.RFC3339))
			s.report(f)
		case fused && sess.Active():
			if err := s.store.SetSessionFlags(ctx, sess.Nr, sess.Flags&^trust.FlagFused); err != nil {
				s.report(trust.FromStore(err, "unfusing critical session"))
				continue
			}
			s.log.Info("critical session recovered", "nr", sess.Nr)
		}
	}
}

func (s *Scheduler) checkRolePresence(ctx context.Context, now time.Time, role uint64, flag store.StatField, name string) {
	seen, err := s.store.RoleSeenSince(ctx, role, now.Add(-s.cfg.PresenceWindow))
	if err != nil {
		s.report(trust.FromStore(err, "checking "+name+" presence"))
		return
	}

	day := now.UTC().Format("2006-01-02")
	was := false
	if d, err := s.store.DailyStatsFor(ctx, day); err == nil {
		switch flag {
		case store.StatDecoderOnline:
			was = d.DecoderOnline
		case store.StatEncoderOnline:
			was = d.EncoderOnline
		}
	}

	switch {
	case seen && !was:
		if err := s.store.SetDailyFlag(ctx, day, flag, true); err != nil {
			s.report(trust.FromStore(err, "recording "+name+" presence"))
			return
		}
		s.log.Info(name + " online")
	case !seen && was:
		if err := s.store.SetDailyFlag(ctx, day, flag, false); err != nil {
			s.report(trust.FromStore(err, "recording "+name+" absence"))
			return
		}
		s.report(trust.Failf(trust.Critical, "%s offline", name))
	}
}
