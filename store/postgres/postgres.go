// Package postgres implements store.Store backed by PostgreSQL.
//
// Counters are updated with single upsert statements so concurrent
// writers serialize on the row instead of racing a read-modify-write.
// The nonce advance is a conditional UPDATE; a zero rows-affected tag
// means another writer got there first and maps to store.ErrStale.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwire/gatehouse/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool          *pgxpool.Pool
	defaultMaxRPM uint64
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool, defaultMaxRPM uint64) *Store {
	return &Store{pool: pool, defaultMaxRPM: defaultMaxRPM}
}

// NewFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string, defaultMaxRPM uint64) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool, defaultMaxRPM), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return store.ErrDuplicate
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return store.ErrContention
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Security records
// ---------------------------------------------------------------------------

func (s *Store) InsertSecurity(ctx context.Context, secret, hash []byte, ip string) (int64, error) {
	var nr int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO security (secret, hash, ip) VALUES ($1, $2, $3) RETURNING nr`,
		secret, hash, ip).Scan(&nr)
	if err != nil {
		return 0, mapErr(err)
	}
	return nr, nil
}

func (s *Store) SecurityByHash(ctx context.Context, hash []byte) (*store.SecurityRecord, error) {
	var r store.SecurityRecord
	err := s.pool.QueryRow(ctx,
		`SELECT nr, secret, hash, ip, created_at FROM security WHERE hash = $1`,
		hash).Scan(&r.Nr, &r.Secret, &r.Hash, &r.IP, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionColumns = `nr, guid, alias, role, flags, requests, ip, nonce, seed, start_at, last_request, end_at`

func scanSession(row pgx.Row) (*store.Session, error) {
	var sess store.Session
	err := row.Scan(&sess.Nr, &sess.GUID, &sess.Alias, &sess.Role, &sess.Flags,
		&sess.Requests, &sess.IP, &sess.Nonce, &sess.Seed,
		&sess.StartAt, &sess.LastRequestAt, &sess.EndAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, guid []byte, ip string) (int64, error) {
	var nr int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session (guid, ip) VALUES ($1, $2) RETURNING nr`,
		guid, ip).Scan(&nr)
	if err != nil {
		return 0, mapErr(err)
	}
	return nr, nil
}

func (s *Store) SessionByGUID(ctx context.Context, guid []byte) (*store.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE guid = $1`, guid))
}

func (s *Store) SessionByNr(ctx context.Context, nr int64) (*store.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE nr = $1`, nr))
}

func (s *Store) BindSessionChain(ctx context.Context, nr int64, nonce, seed []byte, ip string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET nonce = $2, seed = $3, ip = $4, start_at = now() WHERE nr = $1`,
		nr, nonce, seed, ip)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AdvanceNonce(ctx context.Context, nr int64, prev, next []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET nonce = $3 WHERE nr = $1 AND nonce = $2`,
		nr, prev, next)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing session from a lost race.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM session WHERE nr = $1)`, nr).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrStale
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, nr int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET requests = requests + 1, last_request = now() WHERE nr = $1`, nr)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) setSessionColumn(ctx context.Context, nr int64, sql string, value any) error {
	tag, err := s.pool.Exec(ctx, sql, nr, value)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetSessionAlias(ctx context.Context, nr int64, alias string) error {
	return s.setSessionColumn(ctx, nr, `UPDATE session SET alias = $2 WHERE nr = $1`, alias)
}

func (s *Store) SetSessionRole(ctx context.Context, nr int64, role uint64) error {
	return s.setSessionColumn(ctx, nr, `UPDATE session SET role = $2 WHERE nr = $1`, int64(role))
}

func (s *Store) SetSessionFlags(ctx context.Context, nr int64, flags uint64) error {
	return s.setSessionColumn(ctx, nr, `UPDATE session SET flags = $2 WHERE nr = $1`, int64(flags))
}

func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM session WHERE end_at IS NULL`).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) SweepIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET end_at = now() WHERE end_at IS NULL AND last_request < $1`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ResumeSessions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET end_at = NULL WHERE end_at IS NOT NULL AND last_request > end_at`)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SessionsByFlags(ctx context.Context, mask uint64) ([]store.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE flags & $1 = $1 ORDER BY last_request DESC`,
		int64(mask))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) RoleSeenSince(ctx context.Context, role uint64, since time.Time) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
		     SELECT 1 FROM session
		     WHERE role & $1 = $1 AND end_at IS NULL AND last_request >= $2)`,
		int64(role), since).Scan(&seen)
	return seen, mapErr(err)
}

// ---------------------------------------------------------------------------
// Address counters
// ---------------------------------------------------------------------------

// addressColumn maps an AddressField to its column. Fields outside the
// whitelist never reach SQL.
func addressColumn(field store.AddressField) (string, error) {
	switch field {
	case store.AddrRequests, store.AddrRPM, store.AddrFreeTokens:
		return string(field), nil
	}
	return "", fmt.Errorf("unknown address field %q: %w", field, store.ErrNotFound)
}

func (s *Store) AddressByIP(ctx context.Context, ip string) (*store.AddressStat, error) {
	var a store.AddressStat
	err := s.pool.QueryRow(ctx,
		`SELECT ip, banned, requests, rpm, max_rpm, free_tokens FROM address WHERE ip = $1`,
		ip).Scan(&a.IP, &a.Banned, &a.Requests, &a.RPM, &a.MaxRPM, &a.FreeTokens)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (s *Store) IncrAddressField(ctx context.Context, ip string, field store.AddressField, delta uint64) (uint64, error) {
	col, err := addressColumn(field)
	if err != nil {
		return 0, err
	}
	var value int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO address (ip, `+col+`, max_rpm) VALUES ($1, $2, $3)
		 ON CONFLICT (ip) DO UPDATE SET `+col+` = address.`+col+` + $2
		 RETURNING `+col,
		ip, int64(delta), int64(s.defaultMaxRPM)).Scan(&value)
	if err != nil {
		return 0, mapErr(err)
	}
	return uint64(value), nil
}

func (s *Store) ResetAddressField(ctx context.Context, field store.AddressField) error {
	col, err := addressColumn(field)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE address SET `+col+` = 0 WHERE `+col+` <> 0`)
	return mapErr(err)
}

func (s *Store) CountBusyAddresses(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM address WHERE rpm > 0`).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) SetAddressPolicy(ctx context.Context, ip string, banned bool, maxRPM uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO address (ip, banned, max_rpm) VALUES ($1, $2, $3)
		 ON CONFLICT (ip) DO UPDATE SET banned = $2, max_rpm = $3`,
		ip, banned, int64(maxRPM))
	return mapErr(err)
}

func (s *Store) ResetAddressCaps(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE address SET max_rpm = $1 WHERE max_rpm > $1`, int64(s.defaultMaxRPM))
	return mapErr(err)
}

// ---------------------------------------------------------------------------
// Admission tokens
// ---------------------------------------------------------------------------

func (s *Store) InsertToken(ctx context.Context, token []byte, sticky bool, maxRPM uint64) (int64, error) {
	var nr int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO token (token, sticky, max_rpm) VALUES ($1, $2, $3) RETURNING nr`,
		token, sticky, int64(maxRPM)).Scan(&nr)
	if err != nil {
		return 0, mapErr(err)
	}
	return nr, nil
}

func (s *Store) RedeemToken(ctx context.Context, token []byte) (*store.AdmissionToken, error) {
	var t store.AdmissionToken
	err := s.pool.QueryRow(ctx,
		`UPDATE token SET rpm = rpm + 1, updated_at = now() WHERE token = $1
		 RETURNING nr, token, sticky, fused, rpm, max_rpm, updated_at, created_at`,
		token).Scan(&t.Nr, &t.Token, &t.Sticky, &t.Fused, &t.RPM, &t.MaxRPM, &t.UpdatedAt, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) DeleteToken(ctx context.Context, token []byte) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM token WHERE token = $1`, token)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FuseTokens(ctx context.Context, since time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE token SET fused = TRUE
		 WHERE fused = FALSE AND rpm > max_rpm AND updated_at >= $1`, since)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PruneTokens(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM token
		 WHERE sticky = FALSE AND (fused = TRUE OR updated_at < $1)`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ResetTokenRPM(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE token SET rpm = 0 WHERE rpm <> 0`)
	return mapErr(err)
}

// ---------------------------------------------------------------------------
// Daily stats
// ---------------------------------------------------------------------------

func statCounterColumn(field store.StatField) (string, error) {
	switch field {
	case store.StatSteps, store.StatOverload, store.StatRequests,
		store.StatInvalidRequests, store.StatBannedRequests, store.StatFreeTokens:
		return string(field), nil
	}
	return "", fmt.Errorf("unknown stat counter %q: %w", field, store.ErrNotFound)
}

func statFlagColumn(field store.StatField) (string, error) {
	switch field {
	case store.StatDecoderOnline, store.StatEncoderOnline:
		return string(field), nil
	}
	return "", fmt.Errorf("unknown stat flag %q: %w", field, store.ErrNotFound)
}

func (s *Store) IncrDailyStat(ctx context.Context, day string, field store.StatField, delta uint64) error {
	col, err := statCounterColumn(field)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stats (day, `+col+`) VALUES ($1, $2)
		 ON CONFLICT (day) DO UPDATE SET `+col+` = stats.`+col+` + $2`,
		day, int64(delta))
	return mapErr(err)
}

func (s *Store) SetDailyFlag(ctx context.Context, day string, field store.StatField, value bool) error {
	col, err := statFlagColumn(field)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stats (day, `+col+`) VALUES ($1, $2)
		 ON CONFLICT (day) DO UPDATE SET `+col+` = $2`,
		day, value)
	return mapErr(err)
}

func (s *Store) RecordLiveness(ctx context.Context, day string, sessions, addresses int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stats (day, sessions, max_sessions, addresses, max_addresses)
		 VALUES ($1, $2, $2, $3, $3)
		 ON CONFLICT (day) DO UPDATE SET
		     sessions = $2,
		     addresses = $3,
		     max_sessions = GREATEST(stats.max_sessions, $2),
		     max_addresses = GREATEST(stats.max_addresses, $3),
		     free_tokens = 0`,
		day, sessions, addresses)
	return mapErr(err)
}

func (s *Store) DailyStatsFor(ctx context.Context, day string) (*store.DailyStats, error) {
	var d store.DailyStats
	err := s.pool.QueryRow(ctx,
		`SELECT day::text, decoder_online, encoder_online, steps, overload,
		        sessions, max_sessions, addresses, max_addresses,
		        requests, invalid_requests, banned_requests, free_tokens
		 FROM stats WHERE day = $1`, day).Scan(
		&d.Day, &d.DecoderOnline, &d.EncoderOnline, &d.Steps, &d.Overload,
		&d.Sessions, &d.MaxSessions, &d.Addresses, &d.MaxAddresses,
		&d.Requests, &d.InvalidRequests, &d.BannedRequests, &d.FreeTokens)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}
