// Package store defines the persistence contract of the gatehouse.
//
// Implementations must provide the same visibility guarantees the memory
// backend does: a write observed by one call is observed by every later
// call, and the conditional operations (nonce advance, counter bumps)
// are atomic with respect to concurrent callers.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique insert collides with an
	// existing record.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrStale is returned when a conditional update loses to a
	// concurrent writer. The caller's view of the record is outdated.
	ErrStale = errors.New("store: stale update")

	// ErrContention is returned for transient serialization failures
	// that are expected to succeed on retry.
	ErrContention = errors.New("store: contention")
)

// SecurityRecord pairs a client-registered shared secret with the digest
// the client uses to refer to it.
type SecurityRecord struct {
	Nr        int64
	Secret    []byte // 32 raw bytes
	Hash      []byte // SHA-256 of Secret
	IP        string
	CreatedAt time.Time
}

// Session is one client registration. Nonce and Seed are nil until the
// session is bound to a secret.
type Session struct {
	Nr            int64
	GUID          []byte // 32 raw bytes, unique
	Alias         string
	Role          uint64
	Flags         uint64
	Requests      uint64
	IP            string
	Nonce         []byte
	Seed          []byte
	StartAt       time.Time
	LastRequestAt time.Time
	EndAt         *time.Time // nil while the session is active
}

// Active reports whether the session has not been swept.
func (s *Session) Active() bool { return s.EndAt == nil }

// AddressStat carries the per-address admission counters.
type AddressStat struct {
	IP         string
	Banned     bool
	Requests   uint64
	RPM        uint64
	MaxRPM     uint64
	FreeTokens uint64
}

// AdmissionToken is a redeemable budget bypass. Sticky tokens survive
// redemption; fused tokens are dead but still occupy their slot until
// collected.
type AdmissionToken struct {
	Nr        int64
	Token     []byte // 32 raw bytes, unique
	Sticky    bool
	Fused     bool
	RPM       uint64
	MaxRPM    uint64
	UpdatedAt time.Time
	CreatedAt time.Time
}

// DailyStats is the per-UTC-day counter row.
type DailyStats struct {
	Day             string // "2006-01-02"
	DecoderOnline   bool
	EncoderOnline   bool
	Steps           uint64
	Overload        uint64
	Sessions        uint64
	MaxSessions     uint64
	Addresses       uint64
	MaxAddresses    uint64
	Requests        uint64
	InvalidRequests uint64
	BannedRequests  uint64
	FreeTokens      uint64
}

// AddressField names a per-address counter. The store only accepts
// fields from this set; callers never pass raw column names through.
type AddressField string

const (
	AddrRequests   AddressField = "requests"
	AddrRPM        AddressField = "rpm"
	AddrFreeTokens AddressField = "free_tokens"
)

// StatField names a per-day counter.
type StatField string

const (
	StatSteps           StatField = "steps"
	StatOverload        StatField = "overload"
	StatRequests        StatField = "requests"
	StatInvalidRequests StatField = "invalid_requests"
	StatBannedRequests  StatField = "banned_requests"
	StatFreeTokens      StatField = "free_tokens"
	StatDecoderOnline   StatField = "decoder_online"
	StatEncoderOnline   StatField = "encoder_online"
)

// Store is the full persistence surface.
type Store interface {
	// InsertSecurity registers a secret under its digest. A second
	// insert of the same digest returns ErrDuplicate.
	InsertSecurity(ctx context.Context, secret, hash []byte, ip string) (int64, error)

	// SecurityByHash looks a secret up by its digest.
	SecurityByHash(ctx context.Context, hash []byte) (*SecurityRecord, error)

	// CreateSession inserts a new session for guid. A second insert of
	// the same guid returns ErrDuplicate.
	CreateSession(ctx context.Context, guid []byte, ip string) (int64, error)

	SessionByGUID(ctx context.Context, guid []byte) (*Session, error)
	SessionByNr(ctx context.Context, nr int64) (*Session, error)

	// BindSessionChain stores the initial chain state of a session and
	// stamps its start time.
	BindSessionChain(ctx context.Context, nr int64, nonce, seed []byte, ip string) error

	// AdvanceNonce replaces the session nonce only if it still equals
	// prev; a lost race returns ErrStale.
	AdvanceNonce(ctx context.Context, nr int64, prev, next []byte) error

	// TouchSession bumps the request counter and last-request stamp.
	TouchSession(ctx context.Context, nr int64) error

	SetSessionAlias(ctx context.Context, nr int64, alias string) error
	SetSessionRole(ctx context.Context, nr int64, role uint64) error
	SetSessionFlags(ctx context.Context, nr int64, flags uint64) error

	// CountActiveSessions counts sessions that have not been swept.
	CountActiveSessions(ctx context.Context) (int, error)

	// SweepIdleSessions closes active sessions whose last request is
	// older than cutoff and returns how many it closed.
	SweepIdleSessions(ctx context.Context, cutoff time.Time) (int, error)

	// ResumeSessions reopens swept sessions that have made a request
	// since they were closed.
	ResumeSessions(ctx context.Context) (int, error)

	// SessionsByFlags returns sessions whose flags contain every bit in
	// mask, most recently active first.
	SessionsByFlags(ctx context.Context, mask uint64) ([]Session, error)

	// RoleSeenSince reports whether any active session holding every
	// bit of role made a request at or after since.
	RoleSeenSince(ctx context.Context, role uint64, since time.Time) (bool, error)

	// AddressByIP returns the counters for ip, or ErrNotFound if the
	// address has never been counted.
	AddressByIP(ctx context.Context, ip string) (*AddressStat, error)

	// IncrAddressField adds delta to one counter of ip, creating the
	// row with policy defaults on first touch, and returns the new
	// value. May return ErrContention.
	IncrAddressField(ctx context.Context, ip string, field AddressField, delta uint64) (uint64, error)

	// ResetAddressField zeroes one counter across all addresses.
	ResetAddressField(ctx context.Context, field AddressField) error

	// CountBusyAddresses counts addresses with a nonzero rpm.
	CountBusyAddresses(ctx context.Context) (int, error)

	// SetAddressPolicy sets the ban flag and throttle cap of ip,
	// creating the row if the address has never been counted.
	SetAddressPolicy(ctx context.Context, ip string, banned bool, maxRPM uint64) error

	// ResetAddressCaps restores throttle caps raised above the default
	// back to it. Caps lowered below the default are left alone.
	ResetAddressCaps(ctx context.Context) error

	// InsertToken stores a fresh admission token.
	InsertToken(ctx context.Context, token []byte, sticky bool, maxRPM uint64) (int64, error)

	// RedeemToken bumps the token's rpm and returns its updated state,
	// or ErrNotFound for unknown tokens.
	RedeemToken(ctx context.Context, token []byte) (*AdmissionToken, error)

	// DeleteToken removes a token after a successful bypass.
	DeleteToken(ctx context.Context, token []byte) error

	// FuseTokens fuses unfused tokens over their budget that were
	// redeemed at or after since, and returns how many were fused.
	FuseTokens(ctx context.Context, since time.Time) (int, error)

	// PruneTokens removes non-sticky tokens that are fused or have not
	// been redeemed since cutoff. Sticky tokens are never pruned.
	PruneTokens(ctx context.Context, cutoff time.Time) (int, error)

	// ResetTokenRPM zeroes the per-minute counter of all tokens.
	ResetTokenRPM(ctx context.Context) error

	// IncrDailyStat adds delta to one counter of the given day,
	// creating the row on first touch. May return ErrContention.
	IncrDailyStat(ctx context.Context, day string, field StatField, delta uint64) error

	// SetDailyFlag sets a boolean stat of the given day.
	SetDailyFlag(ctx context.Context, day string, field StatField, value bool) error

	// RecordLiveness stores the current session and address gauges for
	// the day, raises the day's maxima, and zeroes the free-token
	// issue counter.
	RecordLiveness(ctx context.Context, day string, sessions, addresses int) error

	// DailyStatsFor returns the counter row of one day.
	DailyStatsFor(ctx context.Context, day string) (*DailyStats, error)

	// Close releases backend resources.
	Close() error
}
