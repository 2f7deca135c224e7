// Package memory provides a thread-safe in-memory implementation of
// store.Store. Suitable for testing, demos, and single-process use.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkwire/gatehouse/store"
)

// Store is a thread-safe in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	nextNr    int64
	security  []*store.SecurityRecord
	sessions  []*store.Session
	addresses map[string]*store.AddressStat
	tokens    []*store.AdmissionToken
	days      map[string]*store.DailyStats

	defaultMaxRPM uint64
	now           func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store. defaultMaxRPM seeds the budget of rows
// created lazily on first touch.
func New(defaultMaxRPM uint64) *Store {
	return &Store{
		addresses:     make(map[string]*store.AddressStat),
		days:          make(map[string]*store.DailyStats),
		defaultMaxRPM: defaultMaxRPM,
		now:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) nr() int64 {
	s.nextNr++
	return s.nextNr
}

func cloneSecurity(r *store.SecurityRecord) *store.SecurityRecord {
	cp := *r
	cp.Secret = append([]byte(nil), r.Secret...)
	cp.Hash = append([]byte(nil), r.Hash...)
	return &cp
}

func cloneSession(sess *store.Session) *store.Session {
	cp := *sess
	cp.GUID = append([]byte(nil), sess.GUID...)
	cp.Nonce = append([]byte(nil), sess.Nonce...)
	cp.Seed = append([]byte(nil), sess.Seed...)
	if sess.EndAt != nil {
		end := *sess.EndAt
		cp.EndAt = &end
	}
	return &cp
}

func cloneToken(t *store.AdmissionToken) *store.AdmissionToken {
	cp := *t
	cp.Token = append([]byte(nil), t.Token...)
	return &cp
}

func (s *Store) InsertSecurity(_ context.Context, secret, hash []byte, ip string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.security {
		if bytes.Equal(r.Hash, hash) {
			return 0, store.ErrDuplicate
		}
	}
	r := &store.SecurityRecord{
		Nr:        s.nr(),
		Secret:    append([]byte(nil), secret...),
		Hash:      append([]byte(nil), hash...),
		IP:        ip,
		CreatedAt: s.now(),
	}
	s.security = append(s.security, r)
	return r.Nr, nil
}

func (s *Store) SecurityByHash(_ context.Context, hash []byte) (*store.SecurityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.security {
		if bytes.Equal(r.Hash, hash) {
			return cloneSecurity(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateSession(_ context.Context, guid []byte, ip string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if bytes.Equal(sess.GUID, guid) {
			return 0, store.ErrDuplicate
		}
	}
	now := s.now()
	sess := &store.Session{
		Nr:            s.nr(),
		GUID:          append([]byte(nil), guid...),
		IP:            ip,
		StartAt:       now,
		LastRequestAt: now,
	}
	s.sessions = append(s.sessions, sess)
	return sess.Nr, nil
}

func (s *Store) findSession(nr int64) *store.Session {
	for _, sess := range s.sessions {
		if sess.Nr == nr {
			return sess
		}
	}
	return nil
}

func (s *Store) SessionByGUID(_ context.Context, guid []byte) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if bytes.Equal(sess.GUID, guid) {
			return cloneSession(sess), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SessionByNr(_ context.Context, nr int64) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.findSession(nr); sess != nil {
		return cloneSession(sess), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) BindSessionChain(_ context.Context, nr int64, nonce, seed []byte, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	sess.Nonce = append([]byte(nil), nonce...)
	sess.Seed = append([]byte(nil), seed...)
	sess.IP = ip
	sess.StartAt = s.now()
	return nil
}

func (s *Store) AdvanceNonce(_ context.Context, nr int64, prev, next []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	if !bytes.Equal(sess.Nonce, prev) {
		return store.ErrStale
	}
	sess.Nonce = append([]byte(nil), next...)
	return nil
}

func (s *Store) TouchSession(_ context.Context, nr int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	sess.Requests++
	sess.LastRequestAt = s.now()
	return nil
}

func (s *Store) SetSessionAlias(_ context.Context, nr int64, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	sess.Alias = alias
	return nil
}

func (s *Store) SetSessionRole(_ context.Context, nr int64, role uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	sess.Role = role
	return nil
}

func (s *Store) SetSessionFlags(_ context.Context, nr int64, flags uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findSession(nr)
	if sess == nil {
		return store.ErrNotFound
	}
	sess.Flags = flags
	return nil
}

func (s *Store) CountActiveSessions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.EndAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) SweepIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, sess := range s.sessions {
		if sess.EndAt == nil && sess.LastRequestAt.Before(cutoff) {
			end := now
			sess.EndAt = &end
			n++
		}
	}
	return n, nil
}

func (s *Store) ResumeSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.EndAt != nil && sess.LastRequestAt.After(*sess.EndAt) {
			sess.EndAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) SessionsByFlags(_ context.Context, mask uint64) ([]store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Session
	for _, sess := range s.sessions {
		if sess.Flags&mask == mask {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastRequestAt.After(out[j].LastRequestAt)
	})
	return out, nil
}

func (s *Store) RoleSeenSince(_ context.Context, role uint64, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Role&role == role && sess.EndAt == nil && !sess.LastRequestAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddressByIP(_ context.Context, ip string) (*store.AddressStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addresses[ip]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) IncrAddressField(_ context.Context, ip string, field store.AddressField, delta uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[ip]
	if !ok {
		a = &store.AddressStat{IP: ip, MaxRPM: s.defaultMaxRPM}
		s.addresses[ip] = a
	}
	switch field {
	case store.AddrRequests:
		a.Requests += delta
		return a.Requests, nil
	case store.AddrRPM:
		a.RPM += delta
		return a.RPM, nil
	case store.AddrFreeTokens:
		a.FreeTokens += delta
		return a.FreeTokens, nil
	}
	return 0, store.ErrNotFound
}

func (s *Store) ResetAddressField(_ context.Context, field store.AddressField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addresses {
		switch field {
		case store.AddrRequests:
			a.Requests = 0
		case store.AddrRPM:
			a.RPM = 0
		case store.AddrFreeTokens:
			a.FreeTokens = 0
		}
	}
	return nil
}

func (s *Store) CountBusyAddresses(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.addresses {
		if a.RPM > 0 {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetAddressPolicy(_ context.Context, ip string, banned bool, maxRPM uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[ip]
	if !ok {
		a = &store.AddressStat{IP: ip}
		s.addresses[ip] = a
	}
	a.Banned = banned
	a.MaxRPM = maxRPM
	return nil
}

func (s *Store) ResetAddressCaps(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addresses {
		if a.MaxRPM > s.defaultMaxRPM {
			a.MaxRPM = s.defaultMaxRPM
		}
	}
	return nil
}

func (s *Store) InsertToken(_ context.Context, token []byte, sticky bool, maxRPM uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if bytes.Equal(t.Token, token) {
			return 0, store.ErrDuplicate
		}
	}
	now := s.now()
	t := &store.AdmissionToken{
		Nr:        s.nr(),
		Token:     append([]byte(nil), token...),
		Sticky:    sticky,
		MaxRPM:    maxRPM,
		UpdatedAt: now,
		CreatedAt: now,
	}
	s.tokens = append(s.tokens, t)
	return t.Nr, nil
}

func (s *Store) RedeemToken(_ context.Context, token []byte) (*store.AdmissionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if bytes.Equal(t.Token, token) {
			t.RPM++
			t.UpdatedAt = s.now()
			return cloneToken(t), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteToken(_ context.Context, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tokens {
		if bytes.Equal(t.Token, token) {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) FuseTokens(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if !t.Fused && t.RPM > t.MaxRPM && !t.UpdatedAt.Before(since) {
			t.Fused = true
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneTokens(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	n := 0
	for _, t := range s.tokens {
		if !t.Sticky && (t.Fused || t.UpdatedAt.Before(cutoff)) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.tokens = kept
	return n, nil
}

func (s *Store) ResetTokenRPM(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		t.RPM = 0
	}
	return nil
}

func (s *Store) day(day string) *store.DailyStats {
	d, ok := s.days[day]
	if !ok {
		d = &store.DailyStats{Day: day}
		s.days[day] = d
	}
	return d
}

func (s *Store) IncrDailyStat(_ context.Context, day string, field store.StatField, delta uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.day(day)
	switch field {
	case store.StatSteps:
		d.Steps += delta
	case store.StatOverload:
		d.Overload += delta
	case store.StatRequests:
		d.Requests += delta
	case store.StatInvalidRequests:
		d.InvalidRequests += delta
	case store.StatBannedRequests:
		d.BannedRequests += delta
	case store.StatFreeTokens:
		d.FreeTokens += delta
	}
	return nil
}

func (s *Store) SetDailyFlag(_ context.Context, day string, field store.StatField, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.day(day)
	switch field {
	case store.StatDecoderOnline:
		d.DecoderOnline = value
	case store.StatEncoderOnline:
		d.EncoderOnline = value
	}
	return nil
}

func (s *Store) RecordLiveness(_ context.Context, day string, sessions, addresses int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.day(day)
	d.Sessions = uint64(sessions)
	d.Addresses = uint64(addresses)
	if d.Sessions > d.MaxSessions {
		d.MaxSessions = d.Sessions
	}
	if d.Addresses > d.MaxAddresses {
		d.MaxAddresses = d.Addresses
	}
	d.FreeTokens = 0
	return nil
}

func (s *Store) DailyStatsFor(_ context.Context, day string) (*store.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.days[day]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) Close() error { return nil }
