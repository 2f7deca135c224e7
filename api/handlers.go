package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/awnumar/memguard"

	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/trust"
)

// Handshake registers a client-chosen shared secret.
func (a *API) Handshake(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.Key == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "argument %q is required", "key"))
		return
	}
	if err := a.registry.Handshake(r.Context(), *args.Key, requestIP(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"tls": requestIsSecure(r)})
}

// Init registers or resumes a session.
func (a *API) Init(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.GUID == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "argument %q is required", "guid"))
		return
	}
	guid, _ := hex.DecodeString(*args.GUID)

	res, err := a.registry.Init(r.Context(), guid, str(args.SecHash), flag(args.Restore), requestIP(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	fields := map[string]any{
		"tls": requestIsSecure(r),
		"als": res.Secured,
	}
	if res.Nonce != "" {
		fields["nonce"] = res.Nonce
	}
	if res.Seed != "" {
		fields["seed"] = res.Seed
	}
	writeSuccess(w, fields)
}

// GetSession reports the public state of a session. A field argument
// narrows the response to that one variable.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.GUID == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "argument %q is required", "guid"))
		return
	}
	guid, _ := hex.DecodeString(*args.GUID)

	if args.Field != nil {
		value, err := a.registry.GetVariable(r.Context(), guid, *args.Field)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeSuccess(w, map[string]any{*args.Field: value})
		return
	}

	sess, err := a.registry.Lookup(r.Context(), guid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{
		"nr":       sess.Nr,
		"alias":    sess.Alias,
		"role":     sess.Role,
		"flags":    sess.Flags,
		"requests": sess.Requests,
		"online":   sess.Active(),
	})
}

// Constants publishes the client-visible policy.
func (a *API) Constants(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, a.cfg.Constants())
}

// Captcha issues an admission token.
func (a *API) Captcha(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	token, err := a.admission.IssueToken(r.Context(), requestIP(r), flag(args.Sticky))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"token": token})
}

// Submit accepts an encrypted payload over the authenticated transport:
// the envelope is opened with the registered secret, the inner argument
// object must carry a valid chain proof, and only then does the payload
// reach the ingestor.
func (a *API) Submit(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	for _, req := range []struct {
		key string
		val *string
	}{
		{"sec_hash", args.SecHash},
		{"salt", args.Salt},
		{"checksum", args.Checksum},
		{"data", args.Data},
	} {
		if req.val == nil {
			a.invalid(w, r, trust.Failf(trust.InvalidArgument, "argument %q is required", req.key))
			return
		}
	}
	if len(*args.Data) > a.cfg.MaxDataSize {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "payload exceeds %d bytes", a.cfg.MaxDataSize))
		return
	}

	hash, _ := hex.DecodeString(*args.SecHash)
	secret, err := a.store.SecurityByHash(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.fail(w, r, trust.Failf(trust.Misuse, "secret hash does not match a completed handshake"))
			return
		}
		a.fail(w, r, trust.FromStore(err, "looking up secret"))
		return
	}
	defer memguard.WipeBytes(secret.Secret)

	env := &trust.Envelope{
		SecHash:  *args.SecHash,
		Salt:     *args.Salt,
		Checksum: *args.Checksum,
		Data:     *args.Data,
	}
	plain, err := env.Open(secret.Secret)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer memguard.WipeBytes(plain)

	inner, err := DecodeArgs(bytes.NewReader(plain))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if inner.GUID == nil || inner.Nonce == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "payload must carry guid and nonce"))
		return
	}
	guid, _ := hex.DecodeString(*inner.GUID)

	sess, err := a.registry.Authenticate(r.Context(), guid, *inner.Nonce)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !trust.HasRole(sess.Role, trust.RoleDecoder) {
		a.fail(w, r, trust.Failf(trust.Misuse, "session lacks the decoder role"))
		return
	}
	if err := trust.RequireMutable(sess); err != nil {
		a.fail(w, r, err)
		return
	}

	if a.ingestor != nil {
		if err := a.ingestor.Ingest(r.Context(), sess, plain); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	d := requestDecision(r)
	a.log.Info("payload accepted", "session", sess.Nr, "bytes", len(plain),
		"token_spent", d.TokenSpent != "", "unbudgeted", d.Unbudgeted)
	writeSuccess(w, nil)
}

// Alias renames a session. Requires a chain proof.
func (a *API) Alias(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.GUID == nil || args.Nonce == nil || args.Alias == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "arguments guid, nonce and alias are required"))
		return
	}
	guid, _ := hex.DecodeString(*args.GUID)

	sess, err := a.registry.Authenticate(r.Context(), guid, *args.Nonce)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.registry.SetAlias(r.Context(), sess, *args.Alias); err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, nil)
}

// OperatorParalyze sets or clears the paralyzed flag on a session.
func (a *API) OperatorParalyze(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.Nr == nil || args.On == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "arguments nr and on are required"))
		return
	}
	if err := a.checkOperatorProof(str(args.Proof), "paralyze"); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.registry.SetParalyzed(r.Context(), *args.Nr, *args.On); err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, nil)
}

// OperatorRole replaces the role bits of a session.
func (a *API) OperatorRole(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.Nr == nil || args.Role == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "arguments nr and role are required"))
		return
	}
	if err := a.checkOperatorProof(str(args.Proof), "role"); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.registry.SetRole(r.Context(), *args.Nr, uint64(*args.Role)); err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, nil)
}

// OperatorAddress bans or unbans a client address and sets its
// throttle cap. A cap raised above the default lasts until the next
// minute action resets it; an omitted cap restores the default.
func (a *API) OperatorAddress(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if args.Addr == nil {
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "argument %q is required", "addr"))
		return
	}
	if err := a.checkOperatorProof(str(args.Proof), "address"); err != nil {
		a.fail(w, r, err)
		return
	}
	maxRPM := a.cfg.MaxRPM
	if args.Cap != nil {
		maxRPM = uint64(*args.Cap)
	}
	banned := flag(args.Ban)
	if err := a.store.SetAddressPolicy(r.Context(), *args.Addr, banned, maxRPM); err != nil {
		a.fail(w, r, trust.FromStore(err, "storing address policy"))
		return
	}
	a.log.Info("address policy changed", "ip", *args.Addr, "banned", banned, "max_rpm", maxRPM)
	writeSuccess(w, nil)
}

// Cron drives the maintenance scheduler. Guarded by a shared password
// rather than a session; the caller is the platform cron.
func (a *API) Cron(w http.ResponseWriter, r *http.Request) {
	args := requestArgs(r)
	if a.cfg.CronPassword == "" {
		a.fail(w, r, trust.Failf(trust.Misuse, "scheduler endpoint is not configured"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(str(args.Pass)), []byte(a.cfg.CronPassword)) != 1 {
		a.fail(w, r, trust.Failf(trust.Misuse, "scheduler password rejected"))
		return
	}

	// An alarm run spans minutes of wall time. The server's per-request
	// deadlines must not cancel the run or close the connection under
	// it, so the run is detached from both.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})
	ctx := context.WithoutCancel(r.Context())

	switch str(args.Task) {
	case "alarm":
		minutes := 1
		if args.Minutes != nil {
			minutes = int(*args.Minutes)
		}
		if err := a.scheduler.Alarm(ctx, minutes); err != nil {
			a.fail(w, r, err)
			return
		}
	case "day":
		if err := a.scheduler.Daily(ctx); err != nil {
			a.fail(w, r, err)
			return
		}
	default:
		a.invalid(w, r, trust.Failf(trust.InvalidArgument, "unknown task"))
		return
	}
	writeSuccess(w, nil)
}

// Health is a cheap liveness check.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.CountActiveSessions(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// fail writes a failure envelope, routing criticals to the diagnostic
// log first.
func (a *API) fail(w http.ResponseWriter, _ *http.Request, err error) {
	if f, ok := trust.As(err); ok && f.Code == trust.Critical && a.diag != nil {
		a.diag.Critical(f.Site(), f.Message)
	}
	writeFailure(w, err)
}

// invalid counts the request against the invalid-request stat before
// failing it.
func (a *API) invalid(w http.ResponseWriter, r *http.Request, err error) {
	a.admission.CountInvalid(r.Context())
	a.fail(w, r, err)
}

func requestIsSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
