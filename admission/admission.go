// Package admission is the request budget gate: per-address and
// per-token rate budgets, the token economy that lets throttled clients
// buy their way past the budget, and the bounded-retry discipline
// around contended counters.
package admission

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/inkwire/gatehouse/diag"
	"github.com/inkwire/gatehouse/internal/util"
	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/trust"
)

// Controller decides per-request admission.
type Controller struct {
	store   store.Store
	log     *slog.Logger
	diag    *diag.Log
	cfg     policy.Config
	metrics *Metrics

	now   func() time.Time
	sleep func(time.Duration)
}

func NewController(st store.Store, log *slog.Logger, dg *diag.Log, cfg policy.Config, m *Metrics) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Controller{
		store:   st,
		log:     log,
		diag:    dg,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// SetClock overrides the time and sleep sources. Test hook.
func (c *Controller) SetClock(now func() time.Time, sleep func(time.Duration)) {
	c.now = now
	c.sleep = sleep
}

// Decision is what the gate decided for one request.
type Decision struct {
	// Unbudgeted is true when the decision was made without a working
	// counter, after retry exhaustion.
	Unbudgeted bool

	// TokenSpent is the redeemed one-shot token, deleted on the way
	// through. Empty if no token was consumed.
	TokenSpent string
}

// Gate admits or rejects one request from ip. A client over its address
// budget may present a token; the token's own budget then applies, and
// one-shot tokens are consumed by passage. Banned addresses are always
// rejected. Counter failures never close the gate: after retries are
// exhausted the incident is logged critical and the request proceeds.
func (c *Controller) Gate(ctx context.Context, ip, tokenHex string) (*Decision, error) {
	var d Decision

	if addr, err := c.store.AddressByIP(ctx, ip); err == nil && addr.Banned {
		c.countStat(ctx, store.StatBannedRequests)
		c.metrics.Rejected.WithLabelValues("banned").Inc()
		return nil, trust.Failf(trust.Misuse, "address is banned")
	}

	c.countStat(ctx, store.StatRequests)
	c.incrAddress(ctx, ip, store.AddrRequests, &d)
	rpm, counted := c.incrAddress(ctx, ip, store.AddrRPM, &d)

	if counted {
		addr, err := c.store.AddressByIP(ctx, ip)
		if err != nil {
			c.failOpen("reading address counters", err, &d)
		} else if rpm > addr.MaxRPM {
			if tokenHex == "" {
				c.metrics.Rejected.WithLabelValues("budget").Inc()
				return nil, trust.Failf(trust.Misuse, "address request budget exhausted")
			}
			if err := c.redeem(ctx, tokenHex, &d); err != nil {
				return nil, err
			}
		}
	}

	c.metrics.Admitted.Inc()
	return &d, nil
}

func (c *Controller) redeem(ctx context.Context, tokenHex string, d *Decision) error {
	raw, err := hex.DecodeString(tokenHex)
	if err != nil || len(raw) != 32 {
		c.metrics.Rejected.WithLabelValues("token").Inc()
		return trust.Failf(trust.InvalidArgument, "token must be 64 hex chars")
	}
	t, err := c.store.RedeemToken(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		c.metrics.Rejected.WithLabelValues("token").Inc()
		return trust.Failf(trust.Misuse, "unknown admission token")
	}
	if err != nil {
		return trust.FromStore(err, "redeeming token")
	}
	if t.Fused {
		c.metrics.Rejected.WithLabelValues("token").Inc()
		return trust.Failf(trust.Misuse, "admission token is fused")
	}
	if t.RPM > t.MaxRPM {
		c.metrics.Rejected.WithLabelValues("token").Inc()
		return trust.Failf(trust.Misuse, "admission token budget exhausted")
	}
	if !t.Sticky {
		if err := c.store.DeleteToken(ctx, raw); err != nil && !errors.Is(err, store.ErrNotFound) {
			return trust.FromStore(err, "consuming token")
		}
		d.TokenSpent = tokenHex
	}
	return nil
}

// IssueToken mints a redeemable admission token for ip, bounded by the
// per-address issue budget.
func (c *Controller) IssueToken(ctx context.Context, ip string, sticky bool) (string, error) {
	var d Decision
	issued, counted := c.incrAddress(ctx, ip, store.AddrFreeTokens, &d)
	if counted && issued > c.cfg.FreeTokensPerAddr {
		c.metrics.Rejected.WithLabelValues("token_issue").Inc()
		return "", trust.Failf(trust.Misuse, "token issue budget exhausted")
	}

	raw, err := util.RandomBytes(32)
	if err != nil {
		return "", trust.Failf(trust.Critical, "generating token: %v", err)
	}
	if _, err := c.store.InsertToken(ctx, raw, sticky, c.cfg.MaxRPM); err != nil {
		return "", trust.FromStore(err, "storing token")
	}
	c.countStat(ctx, store.StatFreeTokens)
	c.metrics.TokensCut.Inc()
	return hex.EncodeToString(raw), nil
}

// incrAddress bumps one per-address counter with bounded retries. The
// second return is false when the counter could not be moved and the
// caller must proceed without it.
func (c *Controller) incrAddress(ctx context.Context, ip string, field store.AddressField, d *Decision) (uint64, bool) {
	var lastErr error
	for i := 0; i < c.cfg.CounterRetries; i++ {
		v, err := c.store.IncrAddressField(ctx, ip, field, 1)
		if err == nil {
			return v, true
		}
		lastErr = err
		if !errors.Is(err, store.ErrContention) {
			break
		}
		// 1us to 10ms of jitter between attempts.
		c.sleep(time.Duration(1+rand.IntN(10000)) * time.Microsecond)
	}
	c.failOpen("incrementing "+string(field), lastErr, d)
	return 0, false
}

func (c *Controller) failOpen(op string, err error, d *Decision) {
	d.Unbudgeted = true
	c.metrics.FailOpen.Inc()
	f := trust.Failf(trust.Critical, "%s: %v", op, err)
	if c.diag != nil {
		c.diag.Critical(f.Site(), f.Message)
	} else {
		c.log.Error(f.Message, "site", f.Site())
	}
}

// countStat bumps a daily stat, dropping the increment on failure.
func (c *Controller) countStat(ctx context.Context, field store.StatField) {
	day := c.now().UTC().Format("2006-01-02")
	if err := c.store.IncrDailyStat(ctx, day, field, 1); err != nil {
		c.log.Warn("daily stat increment failed", "stat", string(field), "error", err)
	}
}

// CountInvalid records a request that failed validation.
func (c *Controller) CountInvalid(ctx context.Context) {
	c.countStat(ctx, store.StatInvalidRequests)
}
