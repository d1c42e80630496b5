package ceremony

import "context"

// Repository is the durable store behind the ceremony core. Implementations
// must enforce claim uniqueness on (session, persona) and (session, name key)
// and report violations as storage.ErrConflict; missing rows are reported as
// storage.ErrNotFound.
//
// Writes that attach data to a session (claims, items, votes) must fail with
// ErrSessionClosed when the session row is closed at commit time.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	// FindOpenSession returns the open session for a team (and sprint, for
	// retros). sprintID is ignored for poker sessions.
	FindOpenSession(ctx context.Context, kind Kind, teamID int64, sprintID *int64) (*Session, error)
	// ListSessions returns sessions of kind, most recently updated first.
	// A nil teamID lists every team.
	ListSessions(ctx context.Context, kind Kind, teamID *int64) ([]*Session, error)
	// SaveSession persists s and applies fx in one atomic unit.
	SaveSession(ctx context.Context, s *Session, fx Effects) error

	InsertClaim(ctx context.Context, c *Claim) error
	GetClaim(ctx context.Context, sessionID string, personaID int64) (*Claim, error)
	// ListClaims returns claims ordered by persona id.
	ListClaims(ctx context.Context, sessionID string) ([]*Claim, error)
	// DeleteClaim is a no-op when the claim does not exist.
	DeleteClaim(ctx context.Context, sessionID string, personaID int64) error

	// CreateItem runs check against the session as read inside the write,
	// after requiring it to be open. check may be nil.
	CreateItem(ctx context.Context, it *Item, check WriteCheck) error
	GetItem(ctx context.Context, sessionID, itemID string) (*Item, error)
	UpdateItem(ctx context.Context, it *Item) error
	DeleteItem(ctx context.Context, sessionID, itemID string) error
	// ListItems returns items in creation order.
	ListItems(ctx context.Context, sessionID string) ([]*Item, error)

	// UpsertVote stores v, replacing the persona's previous vote while
	// keeping its original CreatedAt. It returns the stored vote. check runs
	// as in CreateItem.
	UpsertVote(ctx context.Context, v *Vote, check WriteCheck) (*Vote, error)
	// ListVotes returns votes ordered by persona id.
	ListVotes(ctx context.Context, sessionID string) ([]*Vote, error)
}

// WriteCheck re-validates a session inside a store write, so a phase change
// that commits between the caller's check and the write is still seen.
type WriteCheck func(*Session) error

// Roster answers team membership questions. People and teams are owned by
// another system; the core only asks whether a persona may take part.
type Roster interface {
	IsActiveMember(ctx context.Context, teamID, personaID int64) (bool, error)
}
