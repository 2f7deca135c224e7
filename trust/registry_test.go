package trust_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwire/gatehouse/internal/util"
	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/store/memory"
	"github.com/inkwire/gatehouse/trust"
)

func newRegistry(t *testing.T) (*trust.Registry, *memory.Store) {
	t.Helper()
	st := memory.New(policy.DefaultMaxRPM)
	return trust.NewRegistry(st, nil, policy.Default()), st
}

func registerSecret(t *testing.T, r *trust.Registry) (secret []byte, secHashHex string) {
	t.Helper()
	secret, err := util.RandomBytes(32)
	require.NoError(t, err)
	require.NoError(t, r.Handshake(context.Background(), hex.EncodeToString(secret), "198.51.100.1"))
	hash := sha256.Sum256(secret)
	return secret, hex.EncodeToString(hash[:])
}

func newGUID(t *testing.T) []byte {
	t.Helper()
	guid, err := util.RandomBytes(32)
	require.NoError(t, err)
	return guid
}

func TestHandshake(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	secretHex, err := util.RandomHex(32)
	require.NoError(t, err)

	require.NoError(t, r.Handshake(ctx, secretHex, "198.51.100.1"))

	// Same secret again is a conflict, not a silent overwrite.
	err = r.Handshake(ctx, secretHex, "198.51.100.1")
	assert.True(t, trust.IsCode(err, trust.Conflict))

	// Malformed secrets never reach the store.
	err = r.Handshake(ctx, "not hex", "198.51.100.1")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
	err = r.Handshake(ctx, "abcd", "198.51.100.1")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
}

func TestInitSecuredSession(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()
	_, secHash := registerSecret(t, r)
	guid := newGUID(t)

	res, err := r.Init(ctx, guid, secHash, false, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Secured)
	require.NotEmpty(t, res.Nonce)
	require.NotEmpty(t, res.Seed)

	// The stored nonce must be one chain step ahead of the client's.
	nonce, _ := hex.DecodeString(res.Nonce)
	seed, _ := hex.DecodeString(res.Seed)
	sess, err := st.SessionByGUID(ctx, guid)
	require.NoError(t, err)
	assert.Equal(t, trust.NextNonce(nonce, seed), sess.Nonce)
	assert.Equal(t, seed, sess.Seed)
}

func TestInitUnknownSecretHash(t *testing.T) {
	r, _ := newRegistry(t)
	bogus, _ := util.RandomHex(32)

	_, err := r.Init(context.Background(), newGUID(t), bogus, false, "198.51.100.1")
	assert.True(t, trust.IsCode(err, trust.Misuse))
}

func TestInitResumeConflictAndRestore(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, secHash := registerSecret(t, r)
	guid := newGUID(t)

	first, err := r.Init(ctx, guid, secHash, false, "198.51.100.1")
	require.NoError(t, err)

	// A repeat without restore conflicts but hands back the chain
	// position so the client can recover.
	_, err = r.Init(ctx, guid, secHash, false, "198.51.100.1")
	require.Error(t, err)
	f, ok := trust.As(err)
	require.True(t, ok)
	assert.Equal(t, trust.Conflict, f.Code)
	assert.NotEmpty(t, f.Vars["nonce"])

	// With restore the same situation succeeds. The seed is not
	// reissued because the session already has one.
	res, err := r.Init(ctx, guid, secHash, true, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Secured)
	assert.NotEmpty(t, res.Nonce)
	assert.Empty(t, res.Seed)
	assert.Equal(t, first.Nr, res.Nr)
}

func TestAuthenticateAdvancesChain(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, secHash := registerSecret(t, r)
	guid := newGUID(t)

	res, err := r.Init(ctx, guid, secHash, false, "198.51.100.1")
	require.NoError(t, err)
	nonce, _ := hex.DecodeString(res.Nonce)
	seed, _ := hex.DecodeString(res.Seed)

	// The client's proof is its next chain link.
	proof := trust.NextNonce(nonce, seed)
	sess, err := r.Authenticate(ctx, guid, hex.EncodeToString(proof))
	require.NoError(t, err)
	assert.Equal(t, trust.NextNonce(proof, seed), sess.Nonce)
	assert.Equal(t, uint64(1), sess.Requests)

	// Replaying the same proof fails: the chain has moved on.
	_, err = r.Authenticate(ctx, guid, hex.EncodeToString(proof))
	assert.True(t, trust.IsCode(err, trust.IntegrityViolation))

	// The next link works.
	proof = trust.NextNonce(proof, seed)
	_, err = r.Authenticate(ctx, guid, hex.EncodeToString(proof))
	require.NoError(t, err)
}

func TestAuthenticateRejects(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	proof, _ := util.RandomHex(32)

	// Unknown session.
	_, err := r.Authenticate(ctx, newGUID(t), proof)
	assert.True(t, trust.IsCode(err, trust.Misuse))

	// Session without a secure channel.
	guid := newGUID(t)
	_, err = r.Init(ctx, guid, "", false, "198.51.100.1")
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, guid, proof)
	assert.True(t, trust.IsCode(err, trust.Misuse))
}

func TestHasRoleContainment(t *testing.T) {
	assert.True(t, trust.HasRole(trust.RoleDecoder|trust.RoleMonitor, trust.RoleDecoder))
	assert.True(t, trust.HasRole(trust.RoleDecoder|trust.RoleMonitor, trust.RoleDecoder|trust.RoleMonitor))
	assert.False(t, trust.HasRole(trust.RoleDecoder, trust.RoleDecoder|trust.RoleEncoder))
	assert.False(t, trust.HasRole(0, trust.RoleExecutive))
	assert.True(t, trust.HasRole(trust.RoleExecutive, 0), "empty requirement is always satisfied")
}

func TestGetVariableAndAccess(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()
	guid := newGUID(t)

	res, err := r.Init(ctx, guid, "", false, "198.51.100.1")
	require.NoError(t, err)
	require.NoError(t, st.SetSessionRole(ctx, res.Nr, trust.RoleDecoder|trust.RoleMonitor))

	v, err := r.GetVariable(ctx, guid, "role")
	require.NoError(t, err)
	assert.Equal(t, trust.RoleDecoder|trust.RoleMonitor, v)

	v, err = r.GetVariable(ctx, guid, "online")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = r.GetVariable(ctx, guid, "seed")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument), "chain state is not readable")

	_, err = r.GetVariable(ctx, newGUID(t), "role")
	assert.True(t, trust.IsCode(err, trust.Misuse))

	// Access needs every requested bit, not an overlap.
	ok, err := r.HasAccess(ctx, guid, trust.RoleDecoder)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasAccess(ctx, guid, trust.RoleDecoder|trust.RoleExecutive)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParalyzedSessionRejectsMutation(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()
	guid := newGUID(t)

	res, err := r.Init(ctx, guid, "", false, "198.51.100.1")
	require.NoError(t, err)
	require.NoError(t, r.SetParalyzed(ctx, res.Nr, true))

	sess, err := st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)
	err = trust.RequireMutable(sess)
	assert.True(t, trust.IsCode(err, trust.Misuse))
	err = r.SetAlias(ctx, sess, "pinned")
	assert.True(t, trust.IsCode(err, trust.Misuse))

	// Clearing paralysis preserves the other flag bits.
	require.NoError(t, st.SetSessionFlags(ctx, res.Nr, trust.FlagCritical|trust.FlagParalyzed))
	require.NoError(t, r.SetParalyzed(ctx, res.Nr, false))
	sess, err = st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)
	assert.Equal(t, trust.FlagCritical, sess.Flags)
}

func TestSetAlias(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()
	guid := newGUID(t)

	res, err := r.Init(ctx, guid, "", false, "198.51.100.1")
	require.NoError(t, err)
	sess, err := st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)

	require.NoError(t, r.SetAlias(ctx, sess, "  watcher-7  "))
	got, err := st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)
	assert.Equal(t, "watcher-7", got.Alias)

	err = r.SetAlias(ctx, sess, "")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
	err = r.SetAlias(ctx, sess, "name\x00with\x01controls")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
	err = r.SetAlias(ctx, sess, "ttttttttttttttttttttttttttttttttt")
	assert.True(t, trust.IsCode(err, trust.InvalidArgument))
}

func TestSweepAndResume(t *testing.T) {
	cfg := policy.Default()
	st := memory.New(cfg.MaxRPM)
	r := trust.NewRegistry(st, nil, cfg)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	st.SetClock(func() time.Time { return now })

	guid := newGUID(t)
	res, err := r.Init(ctx, guid, "", false, "198.51.100.1")
	require.NoError(t, err)

	// Idle past the timeout: swept.
	now = base.Add(cfg.SessionTimeout + time.Second)
	swept, resumed, err := r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 0, resumed)
	sess, err := st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)
	assert.False(t, sess.Active())

	// A request after the close reactivates on the next sweep.
	now = now.Add(time.Second)
	require.NoError(t, st.TouchSession(ctx, res.Nr))
	now = now.Add(time.Second)
	swept, resumed, err = r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, 1, resumed)
	sess, err = st.SessionByNr(ctx, res.Nr)
	require.NoError(t, err)
	assert.True(t, sess.Active())
}
