package account

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
)

// memStore mimics the partial unique indexes of the accounts table.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*entity.Account
	tick int64
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*entity.Account{}}
}

func (m *memStore) now() time.Time {
	m.tick++
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(m.tick) * time.Second)
}

func clone(a *entity.Account) *entity.Account {
	c := *a
	return &c
}

func (m *memStore) clashes(a *entity.Account) bool {
	for _, r := range m.rows {
		if r.ID == a.ID || r.IsDeleted() {
			continue
		}
		if a.InstitutionalID != nil && r.InstitutionalID != nil && *a.InstitutionalID == *r.InstitutionalID {
			return true
		}
		if a.Email != nil && r.Email != nil && *a.Email == *r.Email {
			return true
		}
	}
	return false
}

func (m *memStore) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[a.ID]; ok || m.clashes(a) {
		return fmt.Errorf("%w: fake", repo.ErrDuplicate)
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	m.rows[a.ID] = clone(a)
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string, includeDeleted bool) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || (r.IsDeleted() && !includeDeleted) {
		return nil, repo.ErrNotFound
	}
	return clone(r), nil
}

func (m *memStore) FindByIdentityKey(_ context.Context, key entity.IdentityKey, includeDeleted bool) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *entity.Account
	for _, r := range m.rows {
		if r.IsDeleted() && !includeDeleted {
			continue
		}
		v := r.InstitutionalID
		if key.Kind == entity.KindCredentialed {
			v = r.Email
		}
		if v == nil || *v != key.Value {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, repo.ErrNotFound
	}
	return clone(best), nil
}

func (m *memStore) List(_ context.Context, f entity.Filter) (*entity.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []*entity.Account
	q := strings.ToLower(strings.TrimSpace(f.Search))
	for _, r := range m.rows {
		if r.IsDeleted() || (f.Role != "" && r.Role != f.Role) || (f.Status != "" && r.Status != f.Status) {
			continue
		}
		if q != "" {
			hay := strings.ToLower(deref(r.DisplayName) + "\x00" + deref(r.Email) + "\x00" + deref(r.InstitutionalID))
			if !strings.Contains(hay, q) {
				continue
			}
		}
		hits = append(hits, clone(r))
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.After(hits[j].CreatedAt) })
	page := &entity.Page{Total: len(hits)}
	start := f.Offset()
	if start < len(hits) {
		end := start + f.Limit
		if end > len(hits) {
			end = len(hits)
		}
		page.Accounts = hits[start:end]
	}
	return page, nil
}

func (m *memStore) Update(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[a.ID]
	if !ok || r.IsDeleted() {
		return repo.ErrNotFound
	}
	if m.clashes(a) {
		return fmt.Errorf("%w: fake", repo.ErrDuplicate)
	}
	a.UpdatedAt = m.now()
	m.rows[a.ID] = clone(a)
	return nil
}

func (m *memStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.IsDeleted() {
		return repo.ErrNotFound
	}
	t := m.now()
	r.DeletedAt = &t
	return nil
}

func (m *memStore) HardDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("%d", 1000+s.n.Add(1)) }

type stubIssuer struct{}

func (stubIssuer) Issue(id string) (string, time.Time, error) {
	return "tok-" + id, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
}
