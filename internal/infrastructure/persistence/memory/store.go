// Package memory provides in-process implementations of the storage ports.
// They back the test suites and the development server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

type dedupKey struct {
	scope         shared.Scope
	achievementID int
}

type userData struct {
	entries     []ledger.Entry
	dedup       map[dedupKey]ledger.DedupRecord
	progress    map[shared.Scope]ledger.Progress
	multiplier  ledger.Multiplier
	revocations []ledger.Revocation
}

func newUserData() *userData {
	return &userData{
		dedup:    make(map[dedupKey]ledger.DedupRecord),
		progress: make(map[shared.Scope]ledger.Progress),
	}
}

func (d *userData) clone() *userData {
	c := &userData{
		entries:     append([]ledger.Entry(nil), d.entries...),
		dedup:       make(map[dedupKey]ledger.DedupRecord, len(d.dedup)),
		progress:    make(map[shared.Scope]ledger.Progress, len(d.progress)),
		multiplier:  d.multiplier,
		revocations: append([]ledger.Revocation(nil), d.revocations...),
	}
	for k, v := range d.dedup {
		v.Keys = append([]string(nil), v.Keys...)
		c.dedup[k] = v
	}
	for k, v := range d.progress {
		c.progress[k] = v
	}
	return c
}

// Store is an in-memory ledger.Store. Transactions of one user are
// serialized; a transaction works on a copy that replaces the user's data
// only when fn returns nil.
type Store struct {
	mu     sync.RWMutex
	users  map[shared.UserID]*userData
	locks  map[shared.UserID]*sync.Mutex
	faults map[string]error
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:  make(map[shared.UserID]*userData),
		locks:  make(map[shared.UserID]*sync.Mutex),
		faults: make(map[string]error),
	}
}

// FailNext makes the next call of the named Tx method return err.
// Used by tests to exercise rollback.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.faults[op]
	if ok {
		delete(s.faults, op)
	}
	return err
}

func (s *Store) userLock(user shared.UserID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[user]
	if !ok {
		l = &sync.Mutex{}
		s.locks[user] = l
	}
	return l
}

func (s *Store) data(user shared.UserID) *userData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.users[user]; ok {
		return d
	}
	return newUserData()
}

// WithinTx implements ledger.UnitOfWork.
func (s *Store) WithinTx(ctx context.Context, user shared.UserID, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if !user.IsValid() {
		return shared.ErrInvalidUserID
	}
	lock := s.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, user: user, data: s.data(user).clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.users[user] = tx.data
	s.mu.Unlock()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// READER
// ═══════════════════════════════════════════════════════════════════════════

// Balance implements ledger.Reader.
func (s *Store) Balance(_ context.Context, user shared.UserID) (int64, error) {
	d := s.data(user)
	return ledger.Balance(d.entries), nil
}

// Entries implements ledger.Reader.
func (s *Store) Entries(_ context.Context, user shared.UserID) ([]ledger.Entry, error) {
	d := s.data(user)
	return append([]ledger.Entry(nil), d.entries...), nil
}

// ProgressOf implements ledger.Reader.
func (s *Store) ProgressOf(_ context.Context, user shared.UserID, scope shared.Scope) (ledger.Progress, error) {
	d := s.data(user)
	if p, ok := d.progress[scope]; ok {
		return p, nil
	}
	return ledger.NewProgress(user, scope), nil
}

// Revocations implements ledger.Reader.
func (s *Store) Revocations(_ context.Context, user shared.UserID, since time.Time) ([]ledger.Revocation, error) {
	d := s.data(user)
	var out []ledger.Revocation
	for _, r := range d.revocations {
		if !r.RevokedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Users implements ledger.Reader.
func (s *Store) Users(_ context.Context) ([]shared.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shared.UserID, 0, len(s.users))
	for id, d := range s.users {
		if len(d.entries) > 0 || len(d.progress) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// TRANSACTION
// ═══════════════════════════════════════════════════════════════════════════

type memTx struct {
	store *Store
	user  shared.UserID
	data  *userData
}

func (t *memTx) check(op string, user shared.UserID) error {
	if err := t.store.fault(op); err != nil {
		return err
	}
	if user != t.user {
		return fmt.Errorf("memory: %s for user %d inside transaction of user %d: %w", op, user, t.user, shared.ErrInvalidInput)
	}
	return nil
}

func (t *memTx) Grants(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int) ([]ledger.Entry, error) {
	if err := t.check("Grants", user); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range t.data.entries {
		if e.IsGrant() && e.Scope == scope && e.AchievementID == achievementID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GrantsInScope(_ context.Context, user shared.UserID, scope shared.Scope) ([]ledger.Entry, error) {
	if err := t.check("GrantsInScope", user); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range t.data.entries {
		if e.IsGrant() && e.Scope == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) AllGrants(_ context.Context, user shared.UserID) ([]ledger.Entry, error) {
	if err := t.check("AllGrants", user); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range t.data.entries {
		if e.IsGrant() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) Append(_ context.Context, e ledger.Entry) error {
	if err := t.check("Append", e.UserID); err != nil {
		return err
	}
	for _, x := range t.data.entries {
		if x.ID == e.ID {
			return shared.ErrAlreadyExists
		}
		if e.IsGrant() && x.IsGrant() && x.Scope == e.Scope && x.AchievementID == e.AchievementID && x.ContributionKey == e.ContributionKey {
			return shared.ErrAlreadyGranted
		}
	}
	t.data.entries = append(t.data.entries, e)
	return nil
}

func (t *memTx) Delete(_ context.Context, entryID string) error {
	if err := t.check("Delete", t.user); err != nil {
		return err
	}
	for i, e := range t.data.entries {
		if e.ID == entryID {
			t.data.entries = append(t.data.entries[:i:i], t.data.entries[i+1:]...)
			return nil
		}
	}
	return shared.ErrEntryNotFound
}

func (t *memTx) Balance(_ context.Context, user shared.UserID) (int64, error) {
	if err := t.check("Balance", user); err != nil {
		return 0, err
	}
	return ledger.Balance(t.data.entries), nil
}

func (t *memTx) RecordRevocation(_ context.Context, r ledger.Revocation) error {
	if err := t.check("RecordRevocation", r.UserID); err != nil {
		return err
	}
	t.data.revocations = append(t.data.revocations, r)
	return nil
}

func (t *memTx) Dedup(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int) (ledger.DedupRecord, error) {
	if err := t.check("Dedup", user); err != nil {
		return ledger.DedupRecord{}, err
	}
	rec, ok := t.data.dedup[dedupKey{scope, achievementID}]
	if !ok {
		return ledger.NewDedupRecord(user, scope, achievementID), nil
	}
	rec.Keys = append([]string(nil), rec.Keys...)
	return rec, nil
}

func (t *memTx) SaveDedup(_ context.Context, rec ledger.DedupRecord) (ledger.DedupRecord, error) {
	if err := t.check("SaveDedup", rec.UserID); err != nil {
		return ledger.DedupRecord{}, err
	}
	k := dedupKey{rec.Scope, rec.AchievementID}
	cur, ok := t.data.dedup[k]
	switch {
	case ok && cur.Version != rec.Version:
		return ledger.DedupRecord{}, shared.ErrDedupConflict
	case !ok && rec.Version != 0:
		return ledger.DedupRecord{}, shared.ErrDedupConflict
	}
	rec.Version++
	rec.Keys = append([]string(nil), rec.Keys...)
	t.data.dedup[k] = rec
	return rec, nil
}

func (t *memTx) DeleteDedup(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int) error {
	if err := t.check("DeleteDedup", user); err != nil {
		return err
	}
	delete(t.data.dedup, dedupKey{scope, achievementID})
	return nil
}

func (t *memTx) Progress(_ context.Context, user shared.UserID, scope shared.Scope) (ledger.Progress, error) {
	if err := t.check("Progress", user); err != nil {
		return ledger.Progress{}, err
	}
	if p, ok := t.data.progress[scope]; ok {
		return p, nil
	}
	return ledger.NewProgress(user, scope), nil
}

func (t *memTx) AllProgress(_ context.Context, user shared.UserID) ([]ledger.Progress, error) {
	if err := t.check("AllProgress", user); err != nil {
		return nil, err
	}
	out := make([]ledger.Progress, 0, len(t.data.progress))
	for _, p := range t.data.progress {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.CourseID < out[j].Scope.CourseID })
	return out, nil
}

func (t *memTx) SaveProgress(_ context.Context, p ledger.Progress) error {
	if err := t.check("SaveProgress", p.UserID); err != nil {
		return err
	}
	if p.XP < 0 {
		return errors.Join(shared.ErrNegativeValue, fmt.Errorf("memory: negative xp for %s", p.Scope))
	}
	t.data.progress[p.Scope] = p
	return nil
}

func (t *memTx) Multiplier(_ context.Context, user shared.UserID) (ledger.Multiplier, error) {
	if err := t.check("Multiplier", user); err != nil {
		return ledger.Multiplier{}, err
	}
	return t.data.multiplier, nil
}

func (t *memTx) SaveMultiplier(_ context.Context, user shared.UserID, m ledger.Multiplier) error {
	if err := t.check("SaveMultiplier", user); err != nil {
		return err
	}
	t.data.multiplier = m
	return nil
}
