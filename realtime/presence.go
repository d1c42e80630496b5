package realtime

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/internal/util"
)

// PresenceEntry is one identity in a presence snapshot.
type PresenceEntry struct {
	PersonaID *int64    `json:"persona_id"`
	Name      string    `json:"nombre"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
}

// PresenceSnapshot is the "presence" broadcast frame.
type PresenceSnapshot struct {
	Type     string          `json:"type"`
	Total    int             `json:"total"`
	Online   int             `json:"online"`
	Personas []PresenceEntry `json:"personas"`
}

// EmptyPresence is sent just before a session's connections are closed.
func EmptyPresence() PresenceSnapshot {
	return PresenceSnapshot{Type: "presence", Personas: []PresenceEntry{}}
}

type presenceRecord struct {
	personaID *int64
	name      string
	nameKey   string
	online    bool
	lastSeen  time.Time
}

func (r *presenceRecord) identityKey() string {
	if r.personaID != nil {
		return "p:" + strconv.FormatInt(*r.personaID, 10)
	}
	if r.nameKey != "" {
		return "n:" + r.nameKey
	}
	return ""
}

// presenceTracker keeps one record per connection, per token. Records outlive
// their connection (marked offline) until the retention period passes.
type presenceTracker struct {
	mu         sync.Mutex
	records    map[string]map[string]*presenceRecord
	staleAfter time.Duration
	retention  time.Duration
	now        func() time.Time
}

func newPresenceTracker(staleAfter, retention time.Duration, now func() time.Time) *presenceTracker {
	return &presenceTracker{
		records:    make(map[string]map[string]*presenceRecord),
		staleAfter: staleAfter,
		retention:  retention,
		now:        now,
	}
}

func (p *presenceTracker) recordLocked(token, connID string) *presenceRecord {
	byConn, ok := p.records[token]
	if !ok {
		byConn = make(map[string]*presenceRecord)
		p.records[token] = byConn
	}
	rec, ok := byConn[connID]
	if !ok {
		rec = &presenceRecord{}
		byConn[connID] = rec
	}
	return rec
}

// live reports whether rec currently counts as online.
func (p *presenceTracker) live(rec *presenceRecord, now time.Time) bool {
	return rec.online && now.Sub(rec.lastSeen) <= p.staleAfter
}

// touch marks the connection online and refreshes its last-seen time. It
// reports whether the identity's visible status changed.
func (p *presenceTracker) touch(token, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	rec := p.recordLocked(token, connID)
	was := p.live(rec, now)
	rec.online = true
	rec.lastSeen = now
	return !was && rec.identityKey() != ""
}

// join attaches an identity to the connection's record. A name-only join
// fails with ErrAlreadyClaimed when another live connection shows the same
// normalised name.
func (p *presenceTracker) join(token, connID string, personaID *int64, name string) error {
	name = strings.TrimSpace(name)
	key := util.NormalizeName(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if personaID == nil && key != "" {
		for id, other := range p.records[token] {
			if id != connID && other.nameKey == key && p.live(other, now) {
				return fmt.Errorf("name %q: %w", name, ceremony.ErrAlreadyClaimed)
			}
		}
	}
	rec := p.recordLocked(token, connID)
	rec.personaID = personaID
	rec.name = name
	rec.nameKey = key
	rec.online = true
	rec.lastSeen = now
	return nil
}

// leave forgets the connection's record entirely.
func (p *presenceTracker) leave(token, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records[token], connID)
	if len(p.records[token]) == 0 {
		delete(p.records, token)
	}
}

// markOffline keeps the record but stops counting it as online.
func (p *presenceTracker) markOffline(token, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[token][connID]; ok {
		rec.online = false
	}
}

func (p *presenceTracker) reset(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, token)
}

// snapshot reduces the token's records to one entry per identity. Offline
// records past retention are pruned on the way.
func (p *presenceTracker) snapshot(token string) PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	byKey := make(map[string]*PresenceEntry)
	for connID, rec := range p.records[token] {
		if !rec.online && now.Sub(rec.lastSeen) > p.retention {
			delete(p.records[token], connID)
			continue
		}
		key := rec.identityKey()
		if key == "" {
			continue
		}
		e, ok := byKey[key]
		if !ok {
			e = &PresenceEntry{PersonaID: rec.personaID, Name: rec.name}
			byKey[key] = e
		}
		if p.live(rec, now) {
			e.Online = true
		}
		if rec.lastSeen.After(e.LastSeen) {
			e.LastSeen = rec.lastSeen
			if rec.name != "" {
				e.Name = rec.name
			}
		}
		if e.Name == "" {
			e.Name = rec.name
		}
	}
	if len(p.records[token]) == 0 {
		delete(p.records, token)
	}

	snap := EmptyPresence()
	for _, e := range byKey {
		snap.Personas = append(snap.Personas, *e)
		if e.Online {
			snap.Online++
		}
	}
	slices.SortFunc(snap.Personas, func(a, b PresenceEntry) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(personaOrZero(a.PersonaID), personaOrZero(b.PersonaID))
	})
	snap.Total = len(snap.Personas)
	return snap
}

func personaOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
