package trust

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/store"
)

// Registry manages sessions: registration, the secure channel bound to
// a registered secret, role and flag bits, and the dormancy sweep.
type Registry struct {
	store store.Store
	log   *slog.Logger
	cfg   policy.Config
}

func NewRegistry(st store.Store, log *slog.Logger, cfg policy.Config) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: st, log: log, cfg: cfg}
}

// InitResult describes the outcome of a session init.
type InitResult struct {
	Nr      int64
	Created bool

	// Secured is true when the session is bound to a registered
	// secret and carries a nonce chain.
	Secured bool

	// Nonce is the client's current chain position, hex encoded.
	// Empty for unsecured sessions.
	Nonce string

	// Seed is only set when a seed was issued by this call; a client
	// resuming with a known seed does not get it echoed back.
	Seed string
}

// Init registers or resumes a session identified by guid. When
// secHashHex names a registered secret the session is bound to a nonce
// chain. Resuming an existing session is a conflict unless the caller
// sets restore, in which case the current chain state is handed back.
func (r *Registry) Init(ctx context.Context, guid []byte, secHashHex string, restore bool, ip string) (*InitResult, error) {
	if len(guid) != 32 {
		return nil, Failf(InvalidArgument, "guid must be 64 hex chars")
	}

	var secret *store.SecurityRecord
	if secHashHex != "" {
		hash, err := decodeHex32(secHashHex)
		if err != nil {
			return nil, Failf(InvalidArgument, "secret hash must be 64 hex chars")
		}
		secret, err = r.store.SecurityByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Failf(Misuse, "secret hash does not match a completed handshake")
		}
		if err != nil {
			return nil, FromStore(err, "looking up secret")
		}
	}

	nr, err := r.store.CreateSession(ctx, guid, ip)
	switch {
	case err == nil:
		return r.initCreated(ctx, nr, secret, ip)
	case errors.Is(err, store.ErrDuplicate):
		return r.initResume(ctx, guid, secret, restore, ip)
	default:
		return nil, FromStore(err, "creating session")
	}
}

func (r *Registry) initCreated(ctx context.Context, nr int64, secret *store.SecurityRecord, ip string) (*InitResult, error) {
	res := &InitResult{Nr: nr, Created: true}
	if secret == nil {
		r.log.Info("session registered", "nr", nr, "ip", ip)
		return res, nil
	}

	secretHex := hex.EncodeToString(secret.Secret)
	nonce, err := DeriveChainValue(secretHex)
	if err != nil {
		return nil, Failf(Critical, "deriving nonce: %v", err)
	}
	seed, err := DeriveChainValue(secretHex)
	if err != nil {
		return nil, Failf(Critical, "deriving seed: %v", err)
	}

	// Store the next link; the client proves possession of the chain
	// by presenting it on the first authenticated request.
	if err := r.store.BindSessionChain(ctx, nr, NextNonce(nonce, seed), seed, ip); err != nil {
		return nil, FromStore(err, "binding session chain")
	}

	res.Secured = true
	res.Nonce = hex.EncodeToString(nonce)
	res.Seed = hex.EncodeToString(seed)
	r.log.Info("secured session registered", "nr", nr, "ip", ip)
	return res, nil
}

func (r *Registry) initResume(ctx context.Context, guid []byte, secret *store.SecurityRecord, restore bool, ip string) (*InitResult, error) {
	sess, err := r.store.SessionByGUID(ctx, guid)
	if err != nil {
		return nil, FromStore(err, "loading session")
	}
	res := &InitResult{Nr: sess.Nr}

	if secret == nil {
		if restore {
			return res, nil
		}
		return nil, FailVars(Conflict, map[string]any{"als": sess.Nonce != nil},
			"session already registered")
	}

	secretHex := hex.EncodeToString(secret.Secret)
	nonce := sess.Nonce
	seed := sess.Seed
	seedIssued := false
	if nonce == nil {
		if nonce, err = DeriveChainValue(secretHex); err != nil {
			return nil, Failf(Critical, "deriving nonce: %v", err)
		}
	}
	if seed == nil {
		if seed, err = DeriveChainValue(secretHex); err != nil {
			return nil, Failf(Critical, "deriving seed: %v", err)
		}
		seedIssued = true
	}

	if err := r.store.BindSessionChain(ctx, sess.Nr, NextNonce(nonce, seed), seed, ip); err != nil {
		return nil, FromStore(err, "rebinding session chain")
	}

	res.Secured = true
	res.Nonce = hex.EncodeToString(nonce)
	if seedIssued {
		res.Seed = hex.EncodeToString(seed)
	}
	if restore {
		r.log.Info("session restored", "nr", sess.Nr, "ip", ip)
		return res, nil
	}

	vars := map[string]any{"als": true, "nonce": res.Nonce}
	if seedIssued {
		vars["seed"] = res.Seed
	}
	return nil, FailVars(Conflict, vars, "session already registered")
}

// Authenticate verifies a chain proof for the session identified by
// guid and, on success, advances the chain and bumps the session's
// request counters. The returned session reflects the advanced state.
func (r *Registry) Authenticate(ctx context.Context, guid []byte, proofHex string) (*store.Session, error) {
	sess, err := r.store.SessionByGUID(ctx, guid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Failf(Misuse, "session is not registered")
	}
	if err != nil {
		return nil, FromStore(err, "loading session")
	}
	if sess.Nonce == nil {
		return nil, Failf(Misuse, "session has no secure channel")
	}

	proof, err := decodeHex32(proofHex)
	if err != nil {
		return nil, Failf(InvalidArgument, "nonce must be 64 hex chars")
	}
	if subtle.ConstantTimeCompare(proof, sess.Nonce) != 1 {
		return nil, Failf(IntegrityViolation, "nonce does not match the chain")
	}

	next := NextNonce(sess.Nonce, sess.Seed)
	if err := r.store.AdvanceNonce(ctx, sess.Nr, sess.Nonce, next); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, Failf(Conflict, "chain advanced by a concurrent request")
		}
		return nil, FromStore(err, "advancing nonce")
	}
	if err := r.store.TouchSession(ctx, sess.Nr); err != nil {
		return nil, FromStore(err, "touching session")
	}

	sess.Nonce = next
	sess.Requests++
	return sess, nil
}

// Lookup returns the session for guid, or a Misuse failure.
func (r *Registry) Lookup(ctx context.Context, guid []byte) (*store.Session, error) {
	sess, err := r.store.SessionByGUID(ctx, guid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Failf(Misuse, "session is not registered")
	}
	if err != nil {
		return nil, FromStore(err, "loading session")
	}
	return sess, nil
}

// GetVariable returns one named public field of the session for guid.
// The field set is closed; an unknown name is an InvalidArgument
// failure, not a lookup miss.
func (r *Registry) GetVariable(ctx context.Context, guid []byte, field string) (any, error) {
	sess, err := r.Lookup(ctx, guid)
	if err != nil {
		return nil, err
	}
	switch field {
	case "nr":
		return sess.Nr, nil
	case "alias":
		return sess.Alias, nil
	case "role":
		return sess.Role, nil
	case "flags":
		return sess.Flags, nil
	case "requests":
		return sess.Requests, nil
	case "online":
		return sess.Active(), nil
	}
	return nil, Failf(InvalidArgument, "unknown session field %q", field)
}

// HasAccess reports whether the session holds every bit of role.
func (r *Registry) HasAccess(ctx context.Context, guid []byte, role uint64) (bool, error) {
	sess, err := r.Lookup(ctx, guid)
	if err != nil {
		return false, err
	}
	return HasRole(sess.Role, role), nil
}

// RequireMutable rejects sessions whose paralyzed flag is set.
func RequireMutable(sess *store.Session) error {
	if sess.Flags&FlagParalyzed != 0 {
		return Failf(Misuse, "session is paralyzed")
	}
	return nil
}

// SetAlias normalizes and stores a session alias. Aliases are NFC
// normalized, stripped of surrounding space, and bounded in length.
func (r *Registry) SetAlias(ctx context.Context, sess *store.Session, alias string) error {
	if err := RequireMutable(sess); err != nil {
		return err
	}
	alias = strings.TrimSpace(norm.NFC.String(alias))
	if alias == "" {
		return Failf(InvalidArgument, "alias must not be empty")
	}
	if len([]rune(alias)) > r.cfg.MaxAliasLength {
		return Failf(InvalidArgument, "alias longer than %d chars", r.cfg.MaxAliasLength)
	}
	for _, c := range alias {
		if unicode.IsControl(c) {
			return Failf(InvalidArgument, "alias contains control characters")
		}
	}
	if err := r.store.SetSessionAlias(ctx, sess.Nr, alias); err != nil {
		return FromStore(err, "storing alias")
	}
	return nil
}

// SetRole replaces the role bits of a session. Operator path.
func (r *Registry) SetRole(ctx context.Context, nr int64, role uint64) error {
	if err := r.store.SetSessionRole(ctx, nr, role); err != nil {
		return FromStore(err, "storing role")
	}
	r.log.Info("session role changed", "nr", nr, "role", role)
	return nil
}

// SetParalyzed sets or clears the paralyzed flag, preserving the other
// flag bits.
func (r *Registry) SetParalyzed(ctx context.Context, nr int64, on bool) error {
	sess, err := r.store.SessionByNr(ctx, nr)
	if errors.Is(err, store.ErrNotFound) {
		return Failf(Misuse, "session is not registered")
	}
	if err != nil {
		return FromStore(err, "loading session")
	}
	flags := sess.Flags &^ FlagParalyzed
	if on {
		flags |= FlagParalyzed
	}
	if err := r.store.SetSessionFlags(ctx, sess.Nr, flags); err != nil {
		return FromStore(err, "storing flags")
	}
	r.log.Info("session paralysis changed", "nr", nr, "paralyzed", on)
	return nil
}

// Sweep closes sessions idle past the timeout and reopens swept
// sessions that have been heard from since the close. Returns how many
// were swept and how many resumed.
func (r *Registry) Sweep(ctx context.Context, asOf time.Time) (swept, resumed int, err error) {
	swept, err = r.store.SweepIdleSessions(ctx, asOf.Add(-r.cfg.SessionTimeout))
	if err != nil {
		return 0, 0, FromStore(err, "sweeping sessions")
	}
	resumed, err = r.store.ResumeSessions(ctx)
	if err != nil {
		return swept, 0, FromStore(err, "resuming sessions")
	}
	if swept > 0 || resumed > 0 {
		r.log.Debug("session sweep", "swept", swept, "resumed", resumed)
	}
	return swept, resumed, nil
}
