package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/store/memory"
)

func fixedTime() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func newStore() *memory.Store {
	st := memory.New(60)
	st.SetClock(fixedTime)
	return st
}

func guidFor(b byte) []byte {
	g := make([]byte, 32)
	for i := range g {
		g[i] = b
	}
	return g
}

func TestInsertSecurityDuplicate(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	secret := guidFor(0x11)
	hash := guidFor(0x22)
	_, err := st.InsertSecurity(ctx, secret, hash, "198.51.100.1")
	require.NoError(t, err)

	_, err = st.InsertSecurity(ctx, guidFor(0x33), hash, "198.51.100.2")
	assert.ErrorIs(t, err, store.ErrDuplicate)

	rec, err := st.SecurityByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, secret, rec.Secret)
	assert.Equal(t, "198.51.100.1", rec.IP, "first registration stands")
}

func TestAdvanceNonceIsConditional(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	nr, err := st.CreateSession(ctx, guidFor(0x01), "198.51.100.1")
	require.NoError(t, err)

	first := guidFor(0xaa)
	seed := guidFor(0xbb)
	require.NoError(t, st.BindSessionChain(ctx, nr, first, seed, "198.51.100.1"))

	next := guidFor(0xcc)
	require.NoError(t, st.AdvanceNonce(ctx, nr, first, next))

	// A second advance from the old position lost the race.
	err = st.AdvanceNonce(ctx, nr, first, guidFor(0xdd))
	assert.ErrorIs(t, err, store.ErrStale)

	err = st.AdvanceNonce(ctx, nr+100, next, guidFor(0xdd))
	assert.ErrorIs(t, err, store.ErrNotFound)

	sess, err := st.SessionByNr(ctx, nr)
	require.NoError(t, err)
	assert.Equal(t, next, sess.Nonce)
}

func TestSweepAndResumeSessions(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	nr, err := st.CreateSession(ctx, guidFor(0x01), "198.51.100.1")
	require.NoError(t, err)

	later := fixedTime().Add(time.Hour)
	st.SetClock(func() time.Time { return later })

	swept, err := st.SweepIdleSessions(ctx, later.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	sess, err := st.SessionByNr(ctx, nr)
	require.NoError(t, err)
	assert.False(t, sess.Active())

	n, err := st.CountActiveSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A touch after the sweep brings the session back.
	st.SetClock(func() time.Time { return later.Add(time.Second) })
	require.NoError(t, st.TouchSession(ctx, nr))
	resumed, err := st.ResumeSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	sess, err = st.SessionByNr(ctx, nr)
	require.NoError(t, err)
	assert.True(t, sess.Active())
}

func TestTokenLifecycle(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	tok := guidFor(0x42)
	_, err := st.InsertToken(ctx, tok, false, 2)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		got, err := st.RedeemToken(ctx, tok)
		require.NoError(t, err)
		assert.EqualValues(t, i, got.RPM)
	}

	// Over budget and recently used: the fuse pass trips it.
	fused, err := st.FuseTokens(ctx, fixedTime().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fused)

	got, err := st.RedeemToken(ctx, tok)
	require.NoError(t, err)
	assert.True(t, got.Fused)

	// Fused tokens are collected regardless of age.
	pruned, err := st.PruneTokens(ctx, fixedTime().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = st.RedeemToken(ctx, tok)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPruneTokensKeysOnLastUse(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	st.SetClock(func() time.Time { return fixedTime().Add(-11 * time.Minute) })
	idle := guidFor(0x01)
	busy := guidFor(0x02)
	pet := guidFor(0x03)
	for _, tok := range [][]byte{idle, busy} {
		_, err := st.InsertToken(ctx, tok, false, 60)
		require.NoError(t, err)
	}
	_, err := st.InsertToken(ctx, pet, true, 60)
	require.NoError(t, err)

	// Age is measured from the last redemption, not from creation: a
	// token in steady use outlives the captcha window.
	st.SetClock(fixedTime)
	_, err = st.RedeemToken(ctx, busy)
	require.NoError(t, err)

	pruned, err := st.PruneTokens(ctx, fixedTime().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = st.RedeemToken(ctx, idle)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.RedeemToken(ctx, busy)
	assert.NoError(t, err)
	_, err = st.RedeemToken(ctx, pet)
	assert.NoError(t, err, "sticky tokens are never pruned")
}

func TestPruneTokensSparesFusedSticky(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	tok := guidFor(0x44)
	_, err := st.InsertToken(ctx, tok, true, 0)
	require.NoError(t, err)
	_, err = st.RedeemToken(ctx, tok)
	require.NoError(t, err)
	fused, err := st.FuseTokens(ctx, fixedTime().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, fused)

	// A fused sticky token holds its slot until an operator removes it.
	pruned, err := st.PruneTokens(ctx, fixedTime())
	require.NoError(t, err)
	assert.Zero(t, pruned)
	got, err := st.RedeemToken(ctx, tok)
	require.NoError(t, err)
	assert.True(t, got.Fused)
}

func TestAddressPolicy(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	ip := "198.51.100.7"

	require.NoError(t, st.SetAddressPolicy(ctx, ip, true, 500))
	a, err := st.AddressByIP(ctx, ip)
	require.NoError(t, err)
	assert.True(t, a.Banned)
	assert.EqualValues(t, 500, a.MaxRPM)

	// Raised caps decay to the default; lowered ones are deliberate
	// throttles and stay.
	low := "198.51.100.8"
	require.NoError(t, st.SetAddressPolicy(ctx, low, false, 5))
	require.NoError(t, st.ResetAddressCaps(ctx))

	a, err = st.AddressByIP(ctx, ip)
	require.NoError(t, err)
	assert.True(t, a.Banned, "the cap reset leaves the ban alone")
	assert.EqualValues(t, 60, a.MaxRPM)
	b, err := st.AddressByIP(ctx, low)
	require.NoError(t, err)
	assert.EqualValues(t, 5, b.MaxRPM)
}

func TestResetTokenRPMClearsBudget(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	tok := guidFor(0x42)
	_, err := st.InsertToken(ctx, tok, true, 60)
	require.NoError(t, err)
	_, err = st.RedeemToken(ctx, tok)
	require.NoError(t, err)

	require.NoError(t, st.ResetTokenRPM(ctx))
	got, err := st.RedeemToken(ctx, tok)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RPM)
}

func TestRecordLivenessKeepsMaxima(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	day := "2026-03-14"

	require.NoError(t, st.RecordLiveness(ctx, day, 5, 3))
	require.NoError(t, st.RecordLiveness(ctx, day, 2, 7))

	stats, err := st.DailyStatsFor(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Sessions)
	assert.EqualValues(t, 5, stats.MaxSessions)
	assert.EqualValues(t, 7, stats.Addresses)
	assert.EqualValues(t, 7, stats.MaxAddresses)
}

func TestRecordLivenessResetsFreeTokenCount(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	day := "2026-03-14"

	require.NoError(t, st.IncrDailyStat(ctx, day, store.StatFreeTokens, 4))
	require.NoError(t, st.RecordLiveness(ctx, day, 1, 1))

	stats, err := st.DailyStatsFor(ctx, day)
	require.NoError(t, err)
	assert.Zero(t, stats.FreeTokens)
}

func TestDailyFlags(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	day := "2026-03-14"

	require.NoError(t, st.SetDailyFlag(ctx, day, store.StatDecoderOnline, true))
	stats, err := st.DailyStatsFor(ctx, day)
	require.NoError(t, err)
	assert.True(t, stats.DecoderOnline)
	assert.False(t, stats.EncoderOnline)

	require.NoError(t, st.SetDailyFlag(ctx, day, store.StatDecoderOnline, false))
	stats, err = st.DailyStatsFor(ctx, day)
	require.NoError(t, err)
	assert.False(t, stats.DecoderOnline)
}
