package ceremony

import (
	"cmp"
	"slices"
	"time"
)

// Kind identifies the ceremony a session runs.
type Kind string

const (
	KindRetro Kind = "retro"
	KindPoker Kind = "poker"
)

// State is the coarse open/closed lifecycle of a session.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Phase is the sub-state of an open session that gates submissions.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseBien       Phase = "bien"
	PhaseMal        Phase = "mal"
	PhaseCompromiso Phase = "compromiso"
	PhaseVoting     Phase = "voting"
	PhaseRevealed   Phase = "revealed"
)

// Session is one retro or poker ceremony. Token is the only credential a
// participant needs; ID is the facilitator-side handle.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"estado"`
	Phase     Phase     `json:"fase"`
	TeamID    int64     `json:"team_id"`
	SprintID  *int64    `json:"sprint_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the session still accepts mutations.
func (s *Session) Open() bool {
	return s.State == StateOpen
}

// OpenFor reports whether s is the open session of kind for a team. sprintID
// only narrows retro lookups.
func (s *Session) OpenFor(kind Kind, teamID int64, sprintID *int64) bool {
	if !s.Open() || s.Kind != kind || s.TeamID != teamID {
		return false
	}
	if kind == KindRetro && sprintID != nil {
		return s.SprintID != nil && *s.SprintID == *sprintID
	}
	return true
}

// SortByActivity orders sessions by most recent update, then creation.
func SortByActivity(ss []*Session) {
	slices.SortFunc(ss, func(a, b *Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.SprintID != nil {
		v := *s.SprintID
		c.SprintID = &v
	}
	return &c
}

// Claim binds a persona to the client that picked it within a session.
// NameKey is the normalised display name and is unique per session when set.
type Claim struct {
	SessionID string    `json:"session_id"`
	PersonaID int64     `json:"persona_id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"nombre,omitempty"`
	NameKey   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemType is the column a retro item belongs to.
type ItemType string

const (
	ItemBien       ItemType = "bien"
	ItemMal        ItemType = "mal"
	ItemCompromiso ItemType = "compromiso"
)

// CommitmentStatus tracks follow-up of a compromiso item.
type CommitmentStatus string

const (
	CommitmentPending    CommitmentStatus = "pendiente"
	CommitmentInProgress CommitmentStatus = "en_progreso"
	CommitmentDone       CommitmentStatus = "cerrado"
)

// Item is a retrospective card.
type Item struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"retro_id"`
	Type       ItemType         `json:"tipo"`
	Detail     string           `json:"detalle"`
	PersonaID  *int64           `json:"persona_id"`
	AssigneeID *int64           `json:"asignado_id"`
	DueDate    string           `json:"fecha_compromiso,omitempty"`
	Status     CommitmentStatus `json:"estado"`
	CreatedAt  time.Time        `json:"creado_en"`
	UpdatedAt  time.Time        `json:"actualizado_en"`
}

// Clone returns a copy that shares no pointers with it.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.PersonaID != nil {
		v := *it.PersonaID
		c.PersonaID = &v
	}
	if it.AssigneeID != nil {
		v := *it.AssigneeID
		c.AssigneeID = &v
	}
	return &c
}

// Vote is one persona's estimate in a poker session.
type Vote struct {
	SessionID string    `json:"session_id"`
	PersonaID int64     `json:"persona_id"`
	Value     int       `json:"valor"`
	CreatedAt time.Time `json:"creado_en"`
	UpdatedAt time.Time `json:"actualizado_en"`
}
