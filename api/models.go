package api

import "github.com/jmcleod/scrumlive/ceremony"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateRetroRequest is the JSON body for POST /retros.
type CreateRetroRequest struct {
	TeamID   int64 `json:"team_id"`
	SprintID int64 `json:"sprint_id"`
}

// CreatePokerRequest is the JSON body for POST /poker/sessions.
type CreatePokerRequest struct {
	TeamID int64 `json:"team_id"`
}

// SessionResponse is returned when a session is created or updated. Created
// is false when an open session was reused.
type SessionResponse struct {
	*ceremony.Session
	Created bool `json:"created"`
}

// UpdateSessionRequest is the JSON body for PUT on a session. Omitted fields
// are left unchanged.
type UpdateSessionRequest struct {
	State *string `json:"estado,omitempty"`
	Phase *string `json:"fase,omitempty"`
}

// ListSessionsResponse is returned from GET /retros and GET /poker/sessions.
type ListSessionsResponse struct {
	Sessions []*ceremony.Session `json:"sessions"`
	PaginationMeta
}

// RetroDetailResponse is the facilitator view of a retro.
type RetroDetailResponse struct {
	Retro   *ceremony.Session `json:"retro"`
	Items   []*ceremony.Item  `json:"items"`
	Claimed []int64           `json:"claimed_persona_ids"`
}

// PokerDetailResponse is the facilitator view of a poker session.
type PokerDetailResponse struct {
	Session *ceremony.Session `json:"session"`
	Votes   []*ceremony.Vote  `json:"votes"`
	Claimed []int64           `json:"claimed_persona_ids"`
}

// PublicSession is the subset of a session shown to participants.
type PublicSession struct {
	ID       string         `json:"id"`
	Kind     ceremony.Kind  `json:"kind"`
	State    ceremony.State `json:"estado"`
	Phase    ceremony.Phase `json:"fase"`
	TeamID   int64          `json:"team_id"`
	SprintID *int64         `json:"sprint_id,omitempty"`
}

// PublicSessionResponse is returned from GET on a public token. Items is only
// set for retros.
type PublicSessionResponse struct {
	Session PublicSession    `json:"session"`
	Claimed []int64          `json:"claimed_persona_ids"`
	Items   []*ceremony.Item `json:"items,omitempty"`
}

// ClaimRequest is the JSON body for POST .../claim.
type ClaimRequest struct {
	PersonaID int64  `json:"persona_id"`
	ClientID  string `json:"client_id"`
	Name      string `json:"nombre,omitempty"`
}

// ClaimsResponse lists the persona ids claimed in a session.
type ClaimsResponse struct {
	Claimed []int64 `json:"claimed_persona_ids"`
}

// ItemRequest is the JSON body for creating a retro item.
type ItemRequest struct {
	Type       string `json:"tipo"`
	Detail     string `json:"detalle"`
	PersonaID  *int64 `json:"persona_id,omitempty"`
	AssigneeID *int64 `json:"asignado_id,omitempty"`
	DueDate    string `json:"fecha_compromiso,omitempty"`
	Status     string `json:"estado,omitempty"`
}

// ItemPatchRequest is the JSON body for PUT on an item.
type ItemPatchRequest struct {
	Detail     *string `json:"detalle,omitempty"`
	PersonaID  *int64  `json:"persona_id,omitempty"`
	AssigneeID *int64  `json:"asignado_id,omitempty"`
	DueDate    *string `json:"fecha_compromiso,omitempty"`
	Status     *string `json:"estado,omitempty"`
}

// VoteRequest is the JSON body for POST /poker/public/{token}/vote.
type VoteRequest struct {
	PersonaID int64 `json:"persona_id"`
	Value     int   `json:"valor"`
}

func publicSession(s *ceremony.Session) PublicSession {
	return PublicSession{
		ID:       s.ID,
		Kind:     s.Kind,
		State:    s.State,
		Phase:    s.Phase,
		TeamID:   s.TeamID,
		SprintID: s.SprintID,
	}
}
