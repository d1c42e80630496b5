package ceremony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/scrumlive/internal/util"
	"github.com/jmcleod/scrumlive/internal/uuid"
	"github.com/jmcleod/scrumlive/storage"
)

const dueDateLayout = "2006-01-02"

// Service is the ceremony core. Every mutation is validated in full, committed
// to the Repository and only then handed to the Notifier.
type Service struct {
	repo     Repository
	notifier Notifier
	roster   Roster
	logger   *slog.Logger
	now      func() time.Time
}

// NewService returns a Service backed by repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ceremony")
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateRetro returns the open retro of (team, sprint), creating one in phase
// waiting when none exists. created reports whether a new session was made.
func (s *Service) CreateRetro(ctx context.Context, teamID, sprintID int64) (sess *Session, created bool, err error) {
	if teamID <= 0 || sprintID <= 0 {
		return nil, false, fmt.Errorf("%w: team_id and sprint_id are required", ErrValidationFailed)
	}
	existing, err := s.repo.FindOpenSession(ctx, KindRetro, teamID, &sprintID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("finding open retro: %w", err)
	}

	sess, err = s.newSession(KindRetro, teamID, &sprintID, PhaseWaiting)
	if err != nil {
		return nil, false, err
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent request opened it first.
			if existing, ferr := s.repo.FindOpenSession(ctx, KindRetro, teamID, &sprintID); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("creating retro: %w", err)
	}
	s.logger.Info("retro created", "session_id", sess.ID, "team_id", teamID, "sprint_id", sprintID)
	return sess, true, nil
}

// CreatePoker returns the team's poker session. An open session is reused:
// its claims and presence are cleared and its phase is forced to voting.
// Otherwise a new session is created in phase voting.
func (s *Service) CreatePoker(ctx context.Context, teamID int64) (sess *Session, created bool, err error) {
	if teamID <= 0 {
		return nil, false, fmt.Errorf("%w: team_id is required", ErrValidationFailed)
	}
	existing, err := s.repo.FindOpenSession(ctx, KindPoker, teamID, nil)
	switch {
	case err == nil:
		sess, err := s.reusePoker(ctx, existing)
		return sess, false, err
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("finding open poker session: %w", err)
	}

	sess, err = s.newSession(KindPoker, teamID, nil, PhaseVoting)
	if err != nil {
		return nil, false, err
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			if existing, ferr := s.repo.FindOpenSession(ctx, KindPoker, teamID, nil); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("creating poker session: %w", err)
	}
	s.logger.Info("poker session created", "session_id", sess.ID, "team_id", teamID)
	return sess, true, nil
}

func (s *Service) reusePoker(ctx context.Context, existing *Session) (*Session, error) {
	voting := PhaseVoting
	next, fx, err := Transition(existing, Update{Phase: &voting})
	if err != nil {
		return nil, err
	}
	fx.ClearClaims = true
	next.UpdatedAt = s.clock()
	if err := s.repo.SaveSession(ctx, next, fx); err != nil {
		return nil, fmt.Errorf("resetting poker session: %w", err)
	}
	s.notifier.ResetPresence(next.Token)
	s.notifier.Broadcast(next.Token, claimsEvent(nil))
	if existing.Phase != next.Phase {
		s.notifier.Broadcast(next.Token, updatedEvent(next))
	}
	s.logger.Info("poker session reused", "session_id", next.ID, "team_id", next.TeamID)
	return next, nil
}

func (s *Service) newSession(kind Kind, teamID int64, sprintID *int64, phase Phase) (*Session, error) {
	token, err := util.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	now := s.clock()
	return &Session{
		ID:        uuid.New(),
		Token:     token,
		Kind:      kind,
		State:     StateOpen,
		Phase:     phase,
		TeamID:    teamID,
		SprintID:  sprintID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Session returns the session of kind with the given id.
func (s *Service) Session(ctx context.Context, kind Kind, id string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, notFound("session", err)
	}
	if sess.Kind != kind {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	return sess, nil
}

// SessionByToken returns the session of kind behind a public token.
func (s *Service) SessionByToken(ctx context.Context, kind Kind, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	sess, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, notFound("session", err)
	}
	if sess.Kind != kind {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	return sess, nil
}

// ListSessions returns sessions of kind, newest activity first.
func (s *Service) ListSessions(ctx context.Context, kind Kind, teamID *int64) ([]*Session, error) {
	return s.repo.ListSessions(ctx, kind, teamID)
}

// UpdateSession applies u to the session. Closing clears every claim, then
// broadcasts the final state and disconnects every participant.
func (s *Service) UpdateSession(ctx context.Context, kind Kind, id string, u Update) (*Session, error) {
	sess, err := s.Session(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	next, fx, err := Transition(sess, u)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock()
	if err := s.repo.SaveSession(ctx, next, fx); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	s.notifier.Broadcast(next.Token, updatedEvent(next))
	if fx.Closing {
		s.notifier.Broadcast(next.Token, claimsEvent(nil))
		s.notifier.CloseAll(next.Token, closedEvent(next.Kind))
		s.logger.Info("session closed", "session_id", next.ID, "kind", next.Kind)
	} else if next.Phase != sess.Phase {
		s.logger.Info("phase changed", "session_id", next.ID, "from", sess.Phase, "to", next.Phase)
	}
	return next, nil
}

// SetPhase moves an open session to phase.
func (s *Service) SetPhase(ctx context.Context, kind Kind, id string, phase Phase) (*Session, error) {
	return s.UpdateSession(ctx, kind, id, Update{Phase: &phase})
}

// Close closes a session for good.
func (s *Service) Close(ctx context.Context, kind Kind, id string) (*Session, error) {
	closed := StateClosed
	return s.UpdateSession(ctx, kind, id, Update{State: &closed})
}

// ClaimRequest asks to bind PersonaID to ClientID within a session.
type ClaimRequest struct {
	PersonaID int64
	ClientID  string
	Name      string
}

// Claim binds a persona to the requesting client and returns the refreshed
// list of claimed persona ids. Re-claiming from the same client succeeds
// without changes.
func (s *Service) Claim(ctx context.Context, kind Kind, token string, req ClaimRequest) ([]int64, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if req.PersonaID <= 0 {
		return nil, fmt.Errorf("%w: persona_id is required", ErrValidationFailed)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrValidationFailed)
	}
	sess, err := s.SessionByToken(ctx, kind, token)
	if err != nil {
		return nil, err
	}
	if !sess.Open() {
		return nil, ErrSessionClosed
	}
	if err := s.checkMember(ctx, sess, req.PersonaID); err != nil {
		return nil, err
	}

	held, err := s.repo.GetClaim(ctx, sess.ID, req.PersonaID)
	switch {
	case err == nil:
		if held.ClientID != clientID {
			return nil, fmt.Errorf("persona %d: %w", req.PersonaID, ErrAlreadyClaimed)
		}
		return s.publishClaims(ctx, sess)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("reading claim: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	c := &Claim{
		SessionID: sess.ID,
		PersonaID: req.PersonaID,
		ClientID:  clientID,
		Name:      name,
		NameKey:   util.NormalizeName(name),
		CreatedAt: s.clock(),
	}
	if err := s.repo.InsertClaim(ctx, c); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("inserting claim: %w", err)
		}
		// Lost a race. The winner may be this same client on another tab.
		held, gerr := s.repo.GetClaim(ctx, sess.ID, req.PersonaID)
		if gerr != nil || held.ClientID != clientID {
			return nil, fmt.Errorf("persona %d: %w", req.PersonaID, ErrAlreadyClaimed)
		}
	}
	s.logger.Debug("persona claimed", "session_id", sess.ID, "persona_id", req.PersonaID)
	return s.publishClaims(ctx, sess)
}

// Release drops the claim on personaID, whoever holds it.
func (s *Service) Release(ctx context.Context, kind Kind, token string, personaID int64) ([]int64, error) {
	sess, err := s.SessionByToken(ctx, kind, token)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteClaim(ctx, sess.ID, personaID); err != nil {
		return nil, fmt.Errorf("deleting claim: %w", err)
	}
	s.logger.Debug("persona released", "session_id", sess.ID, "persona_id", personaID)
	return s.publishClaims(ctx, sess)
}

// ClaimedIDs returns the persona ids currently claimed in a session.
func (s *Service) ClaimedIDs(ctx context.Context, sessionID string) ([]int64, error) {
	claims, err := s.repo.ListClaims(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}
	ids := make([]int64, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.PersonaID)
	}
	return ids, nil
}

func (s *Service) publishClaims(ctx context.Context, sess *Session) ([]int64, error) {
	ids, err := s.ClaimedIDs(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Broadcast(sess.Token, claimsEvent(ids))
	return ids, nil
}

func (s *Service) checkMember(ctx context.Context, sess *Session, personaID int64) error {
	if s.roster == nil {
		return nil
	}
	ok, err := s.roster.IsActiveMember(ctx, sess.TeamID, personaID)
	if err != nil {
		return fmt.Errorf("checking roster: %w", err)
	}
	if !ok {
		return fmt.Errorf("persona %d is not an active member of team %d: %w", personaID, sess.TeamID, ErrNotFound)
	}
	return nil
}

// ItemInput is a new retro item.
type ItemInput struct {
	Type       string
	Detail     string
	PersonaID  *int64
	AssigneeID *int64
	DueDate    string
	Status     string
}

// ItemPatch is a partial item update. Nil fields are left untouched.
type ItemPatch struct {
	Detail     *string
	PersonaID  *int64
	AssigneeID *int64
	DueDate    *string
	Status     *string
}

// SubmitItem posts a participant card through a public token. The item type
// must match the current phase; compromiso items are refused.
func (s *Service) SubmitItem(ctx context.Context, token string, in ItemInput) (*Item, error) {
	sess, err := s.SessionByToken(ctx, KindRetro, token)
	if err != nil {
		return nil, err
	}
	if !sess.Open() {
		return nil, ErrSessionClosed
	}
	typ, err := ParseItemType(in.Type)
	if err != nil {
		return nil, err
	}
	if err := CheckPublicItem(sess, typ); err != nil {
		return nil, err
	}
	detail := strings.TrimSpace(in.Detail)
	if detail == "" {
		return nil, fmt.Errorf("%w: detalle is required", ErrValidationFailed)
	}
	now := s.clock()
	it := &Item{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Type:      typ,
		Detail:    detail,
		PersonaID: in.PersonaID,
		Status:    CommitmentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.insertItem(ctx, sess, it, func(cur *Session) error {
		return CheckPublicItem(cur, typ)
	})
}

// AddItem creates an item on behalf of the facilitator. The phase is not
// checked. Commitments need an assignee and a due date.
func (s *Service) AddItem(ctx context.Context, sessionID string, in ItemInput) (*Item, error) {
	sess, err := s.Session(ctx, KindRetro, sessionID)
	if err != nil {
		return nil, err
	}
	if err := CheckFacilitatorItem(sess); err != nil {
		return nil, err
	}
	typ, err := ParseItemType(in.Type)
	if err != nil {
		return nil, err
	}
	detail := strings.TrimSpace(in.Detail)
	if detail == "" {
		return nil, fmt.Errorf("%w: detalle is required", ErrValidationFailed)
	}
	status, err := ParseCommitmentStatus(in.Status)
	if err != nil {
		return nil, err
	}
	due := strings.TrimSpace(in.DueDate)
	if typ == ItemCompromiso {
		if in.AssigneeID == nil || due == "" {
			return nil, fmt.Errorf("%w: compromiso needs asignado_id and fecha_compromiso", ErrValidationFailed)
		}
		if err := validDueDate(due); err != nil {
			return nil, err
		}
	}
	now := s.clock()
	it := &Item{
		ID:         uuid.New(),
		SessionID:  sess.ID,
		Type:       typ,
		Detail:     detail,
		PersonaID:  in.PersonaID,
		AssigneeID: in.AssigneeID,
		DueDate:    due,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.insertItem(ctx, sess, it, nil)
}

func (s *Service) insertItem(ctx context.Context, sess *Session, it *Item, check WriteCheck) (*Item, error) {
	if err := s.repo.CreateItem(ctx, it, check); err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}
	s.notifier.Broadcast(sess.Token, ItemEvent{Type: EventItemAdded, RetroID: sess.ID, Item: it.Clone()})
	return it, nil
}

// UpdateItem applies p to an item. Items stay editable after the retro closes
// so commitments can be followed up.
func (s *Service) UpdateItem(ctx context.Context, sessionID, itemID string, p ItemPatch) (*Item, error) {
	sess, err := s.Session(ctx, KindRetro, sessionID)
	if err != nil {
		return nil, err
	}
	cur, err := s.repo.GetItem(ctx, sess.ID, itemID)
	if err != nil {
		return nil, notFound("item", err)
	}
	it := cur.Clone()
	if p.Detail != nil {
		d := strings.TrimSpace(*p.Detail)
		if d == "" {
			return nil, fmt.Errorf("%w: detalle cannot be empty", ErrValidationFailed)
		}
		it.Detail = d
	}
	if p.PersonaID != nil {
		it.PersonaID = p.PersonaID
	}
	if p.AssigneeID != nil {
		it.AssigneeID = p.AssigneeID
	}
	if p.DueDate != nil {
		due := strings.TrimSpace(*p.DueDate)
		if due != "" {
			if err := validDueDate(due); err != nil {
				return nil, err
			}
		}
		it.DueDate = due
	}
	if p.Status != nil {
		status, err := ParseCommitmentStatus(*p.Status)
		if err != nil {
			return nil, err
		}
		it.Status = status
	}
	if it.Type == ItemCompromiso && (it.AssigneeID == nil || it.DueDate == "") {
		return nil, fmt.Errorf("%w: compromiso needs asignado_id and fecha_compromiso", ErrValidationFailed)
	}
	it.UpdatedAt = s.clock()
	if err := s.repo.UpdateItem(ctx, it); err != nil {
		return nil, notFound("item", err)
	}
	s.notifier.Broadcast(sess.Token, ItemEvent{Type: EventItemUpdated, RetroID: sess.ID, Item: it.Clone()})
	return it, nil
}

// DeleteItem removes an item.
func (s *Service) DeleteItem(ctx context.Context, sessionID, itemID string) error {
	sess, err := s.Session(ctx, KindRetro, sessionID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteItem(ctx, sess.ID, itemID); err != nil {
		return notFound("item", err)
	}
	s.notifier.Broadcast(sess.Token, ItemDeletedEvent{Type: EventItemDeleted, RetroID: sess.ID, ItemID: itemID})
	return nil
}

// Items returns the retro's items in creation order.
func (s *Service) Items(ctx context.Context, sessionID string) ([]*Item, error) {
	return s.repo.ListItems(ctx, sessionID)
}

// CastVote records personaID's estimate, replacing any earlier one.
func (s *Service) CastVote(ctx context.Context, token string, personaID int64, value int) (*Vote, error) {
	if personaID <= 0 {
		return nil, fmt.Errorf("%w: persona_id is required", ErrValidationFailed)
	}
	sess, err := s.SessionByToken(ctx, KindPoker, token)
	if err != nil {
		return nil, err
	}
	if err := CheckVote(sess, value); err != nil {
		return nil, err
	}
	if err := s.checkMember(ctx, sess, personaID); err != nil {
		return nil, err
	}
	now := s.clock()
	v, err := s.repo.UpsertVote(ctx, &Vote{
		SessionID: sess.ID,
		PersonaID: personaID,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}, func(cur *Session) error {
		return CheckVote(cur, value)
	})
	if err != nil {
		return nil, fmt.Errorf("saving vote: %w", err)
	}
	s.notifier.Broadcast(sess.Token, VoteCastEvent{Type: EventVoteCast, SessionID: sess.ID, PersonaID: personaID, Value: value})
	return v, nil
}

// Votes returns the poker session's votes ordered by persona id.
func (s *Service) Votes(ctx context.Context, sessionID string) ([]*Vote, error) {
	return s.repo.ListVotes(ctx, sessionID)
}

func validDueDate(raw string) error {
	if _, err := time.Parse(dueDateLayout, raw); err != nil {
		return fmt.Errorf("%w: fecha_compromiso must be YYYY-MM-DD", ErrValidationFailed)
	}
	return nil
}

func notFound(what string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
