package userstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// Memory is an in-process [auth.UserStore] with the same uniqueness rules
// as the users table. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*auth.User
	now    func() time.Time
}

var _ auth.UserStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[int64]*auth.User),
		now:   time.Now,
	}
}

// Put stores u as is, assigning an ID when u.ID is zero, and returns the
// stored copy. It is meant for seeding and does not check uniqueness.
func (m *Memory) Put(u auth.User) *auth.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == 0 {
		m.nextID++
		u.ID = m.nextID
	} else if u.ID > m.nextID {
		m.nextID = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	m.users[u.ID] = &u
	return clone(&u)
}

// Len returns the number of stored users.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *Memory) FindByID(_ context.Context, id int64) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return clone(u), nil
	}
	return nil, sserr.Newf(sserr.CodeNotFoundUser, "userstore: user %d not found", id)
}

func (m *Memory) FindByExternalID(_ context.Context, oid string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.byExternalID(oid); u != nil {
		return clone(u), nil
	}
	return nil, sserr.New(sserr.CodeNotFoundUser, "userstore: no user for external id")
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.byEmail(email); u != nil {
		return clone(u), nil
	}
	return nil, sserr.New(sserr.CodeNotFoundUser, "userstore: no user for email")
}

func (m *Memory) List(_ context.Context) ([]auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *clone(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LinkExternalID(_ context.Context, id int64, oid string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "userstore: user %d not found", id)
	}
	if u.ExternalOID != nil {
		if *u.ExternalOID == oid {
			return clone(u), nil
		}
		return nil, sserr.Newf(sserr.CodeConflictIdentityLinked,
			"userstore: user %d is already linked to another identity", id)
	}
	if m.byExternalID(oid) != nil {
		return nil, sserr.New(sserr.CodeConflictAlreadyExists, "userstore: external id already in use")
	}
	u.ExternalOID = &oid
	u.UpdatedAt = m.now()
	return clone(u), nil
}

func (m *Memory) Insert(_ context.Context, nu auth.NewUser) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byExternalID(nu.ExternalOID) != nil {
		return nil, sserr.New(sserr.CodeConflictAlreadyExists, "userstore: user already exists")
	}
	if nu.Email != nil && m.byEmail(*nu.Email) != nil {
		return nil, sserr.New(sserr.CodeConflictAlreadyExists, "userstore: user already exists")
	}

	m.nextID++
	now := m.now()
	oid := nu.ExternalOID
	u := &auth.User{
		ID:          m.nextID,
		Name:        nu.Name,
		Email:       copyString(nu.Email),
		ExternalOID: &oid,
		Role:        nu.Role,
		IsAdmin:     nu.IsAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.users[u.ID] = u
	return clone(u), nil
}

func (m *Memory) UpdateProfile(_ context.Context, id int64, p auth.ProfileUpdate) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "userstore: user %d not found", id)
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Team != nil {
		u.Team = copyString(p.Team)
	}
	u.UpdatedAt = m.now()
	return clone(u), nil
}

func (m *Memory) byExternalID(oid string) *auth.User {
	for _, u := range m.users {
		if u.ExternalOID != nil && *u.ExternalOID == oid {
			return u
		}
	}
	return nil
}

func (m *Memory) byEmail(email string) *auth.User {
	for _, u := range m.users {
		if u.Email != nil && strings.EqualFold(*u.Email, email) {
			return u
		}
	}
	return nil
}

func clone(u *auth.User) *auth.User {
	c := *u
	c.Email = copyString(u.Email)
	c.ExternalOID = copyString(u.ExternalOID)
	c.Team = copyString(u.Team)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
