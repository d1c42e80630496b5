// Package memory provides a thread-safe in-memory implementation of ceremony.Repository.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage"
)

// Repository is a thread-safe in-memory implementation of ceremony.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	sessions  map[string]*ceremony.Session
	byToken   map[string]string
	claims    map[string]map[int64]*ceremony.Claim
	items     map[string]map[string]*ceremony.Item
	itemOrder map[string][]string
	votes     map[string]map[int64]*ceremony.Vote
}

var _ ceremony.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		sessions:  make(map[string]*ceremony.Session),
		byToken:   make(map[string]string),
		claims:    make(map[string]map[int64]*ceremony.Claim),
		items:     make(map[string]map[string]*ceremony.Item),
		itemOrder: make(map[string][]string),
		votes:     make(map[string]map[int64]*ceremony.Vote),
	}
}

func (r *Repository) CreateSession(_ context.Context, s *ceremony.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := r.byToken[s.Token]; ok {
		return storage.ErrConflict
	}
	// At most one open session per (kind, team[, sprint]).
	if s.Open() {
		for _, other := range r.sessions {
			if other.OpenFor(s.Kind, s.TeamID, s.SprintID) {
				return storage.ErrConflict
			}
		}
	}
	r.sessions[s.ID] = s.Clone()
	r.byToken[s.Token] = s.ID
	return nil
}

func (r *Repository) GetSession(_ context.Context, id string) (*ceremony.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *Repository) GetSessionByToken(ctx context.Context, token string) (*ceremony.Session, error) {
	r.mu.RLock()
	id, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.GetSession(ctx, id)
}

func (r *Repository) FindOpenSession(_ context.Context, kind ceremony.Kind, teamID int64, sprintID *int64) (*ceremony.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *ceremony.Session
	for _, s := range r.sessions {
		if !s.OpenFor(kind, teamID, sprintID) {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found.Clone(), nil
}

func (r *Repository) ListSessions(_ context.Context, kind ceremony.Kind, teamID *int64) ([]*ceremony.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ceremony.Session
	for _, s := range r.sessions {
		if s.Kind != kind || (teamID != nil && s.TeamID != *teamID) {
			continue
		}
		out = append(out, s.Clone())
	}
	ceremony.SortByActivity(out)
	return out, nil
}

// SaveSession replaces the session row and applies fx under a single lock.
func (r *Repository) SaveSession(_ context.Context, s *ceremony.Session, fx ceremony.Effects) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return storage.ErrNotFound
	}
	r.sessions[s.ID] = s.Clone()
	if fx.ClearClaims {
		delete(r.claims, s.ID)
	}
	if fx.ClearVotes {
		delete(r.votes, s.ID)
	}
	return nil
}

// openLocked reports whether data may still be attached to session id.
func (r *Repository) openLocked(id string) error {
	s, ok := r.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !s.Open() {
		return ceremony.ErrSessionClosed
	}
	return nil
}

// checkLocked requires session id to be open and then runs check on it.
func (r *Repository) checkLocked(id string, check ceremony.WriteCheck) error {
	if err := r.openLocked(id); err != nil {
		return err
	}
	if check != nil {
		return check(r.sessions[id].Clone())
	}
	return nil
}

func (r *Repository) InsertClaim(_ context.Context, c *ceremony.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(c.SessionID); err != nil {
		return err
	}
	held := r.claims[c.SessionID]
	if _, ok := held[c.PersonaID]; ok {
		return storage.ErrConflict
	}
	if c.NameKey != "" {
		for _, other := range held {
			if other.NameKey == c.NameKey {
				return storage.ErrConflict
			}
		}
	}
	if held == nil {
		held = make(map[int64]*ceremony.Claim)
		r.claims[c.SessionID] = held
	}
	cp := *c
	held[c.PersonaID] = &cp
	return nil
}

func (r *Repository) GetClaim(_ context.Context, sessionID string, personaID int64) (*ceremony.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[sessionID][personaID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Repository) ListClaims(_ context.Context, sessionID string) ([]*ceremony.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ceremony.Claim, 0, len(r.claims[sessionID]))
	for _, c := range r.claims[sessionID] {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ceremony.Claim) int {
		return cmp.Compare(a.PersonaID, b.PersonaID)
	})
	return out, nil
}

func (r *Repository) DeleteClaim(_ context.Context, sessionID string, personaID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims[sessionID], personaID)
	return nil
}

func (r *Repository) CreateItem(_ context.Context, it *ceremony.Item, check ceremony.WriteCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(it.SessionID, check); err != nil {
		return err
	}
	items := r.items[it.SessionID]
	if items == nil {
		items = make(map[string]*ceremony.Item)
		r.items[it.SessionID] = items
	}
	if _, ok := items[it.ID]; ok {
		return storage.ErrConflict
	}
	items[it.ID] = it.Clone()
	r.itemOrder[it.SessionID] = append(r.itemOrder[it.SessionID], it.ID)
	return nil
}

func (r *Repository) GetItem(_ context.Context, sessionID, itemID string) (*ceremony.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[sessionID][itemID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return it.Clone(), nil
}

func (r *Repository) UpdateItem(_ context.Context, it *ceremony.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.SessionID][it.ID]; !ok {
		return storage.ErrNotFound
	}
	r.items[it.SessionID][it.ID] = it.Clone()
	return nil
}

func (r *Repository) DeleteItem(_ context.Context, sessionID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[sessionID][itemID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.items[sessionID], itemID)
	r.itemOrder[sessionID] = slices.DeleteFunc(r.itemOrder[sessionID], func(id string) bool {
		return id == itemID
	})
	return nil
}

func (r *Repository) ListItems(_ context.Context, sessionID string) ([]*ceremony.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ceremony.Item, 0, len(r.itemOrder[sessionID]))
	for _, id := range r.itemOrder[sessionID] {
		out = append(out, r.items[sessionID][id].Clone())
	}
	return out, nil
}

func (r *Repository) UpsertVote(_ context.Context, v *ceremony.Vote, check ceremony.WriteCheck) (*ceremony.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(v.SessionID, check); err != nil {
		return nil, err
	}
	votes := r.votes[v.SessionID]
	if votes == nil {
		votes = make(map[int64]*ceremony.Vote)
		r.votes[v.SessionID] = votes
	}
	stored := *v
	if prev, ok := votes[v.PersonaID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	votes[v.PersonaID] = &stored
	out := stored
	return &out, nil
}

func (r *Repository) ListVotes(_ context.Context, sessionID string) ([]*ceremony.Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ceremony.Vote, 0, len(r.votes[sessionID]))
	for _, v := range r.votes[sessionID] {
		cp := *v
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ceremony.Vote) int {
		return cmp.Compare(a.PersonaID, b.PersonaID)
	})
	return out, nil
}
