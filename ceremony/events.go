package ceremony

// Notifier receives committed state changes for delivery to every connection
// of a session token. Implementations must not block the caller.
type Notifier interface {
	// Broadcast queues event for every connection of token.
	Broadcast(token string, event any)
	// ResetPresence forgets every presence record of token and queues a
	// fresh (empty) snapshot.
	ResetPresence(token string)
	// CloseAll queues final for every connection of token, then disconnects
	// them and forgets their presence.
	CloseAll(token string, final ...any)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, any)   {}
func (nopNotifier) ResetPresence(string)    {}
func (nopNotifier) CloseAll(string, ...any) {}

// Broadcast event types.
const (
	EventItemAdded      = "item_added"
	EventItemUpdated    = "item_updated"
	EventItemDeleted    = "item_deleted"
	EventRetroUpdated   = "retro_updated"
	EventSessionUpdated = "session_updated"
	EventClaimsUpdated  = "claims_updated"
	EventVoteCast       = "vote_cast"
	EventRetroClosed    = "retro_closed"
	EventPokerClosed    = "poker_closed"
)

type ItemEvent struct {
	Type    string `json:"type"`
	RetroID string `json:"retro_id"`
	Item    *Item  `json:"item"`
}

type ItemDeletedEvent struct {
	Type    string `json:"type"`
	RetroID string `json:"retro_id"`
	ItemID  string `json:"item_id"`
}

type RetroUpdatedEvent struct {
	Type    string `json:"type"`
	RetroID string `json:"retro_id"`
	Phase   Phase  `json:"fase"`
	State   State  `json:"estado"`
}

type SessionUpdatedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Phase     Phase  `json:"fase"`
	State     State  `json:"estado"`
}

type ClaimsUpdatedEvent struct {
	Type   string  `json:"type"`
	Claims []int64 `json:"claims"`
}

type VoteCastEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	PersonaID int64  `json:"persona_id"`
	Value     int    `json:"valor"`
}

type ClosedEvent struct {
	Type string `json:"type"`
}

func updatedEvent(s *Session) any {
	if s.Kind == KindRetro {
		return RetroUpdatedEvent{Type: EventRetroUpdated, RetroID: s.ID, Phase: s.Phase, State: s.State}
	}
	return SessionUpdatedEvent{Type: EventSessionUpdated, SessionID: s.ID, Phase: s.Phase, State: s.State}
}

func closedEvent(k Kind) ClosedEvent {
	if k == KindRetro {
		return ClosedEvent{Type: EventRetroClosed}
	}
	return ClosedEvent{Type: EventPokerClosed}
}

func claimsEvent(ids []int64) ClaimsUpdatedEvent {
	if ids == nil {
		ids = []int64{}
	}
	return ClaimsUpdatedEvent{Type: EventClaimsUpdated, Claims: ids}
}
