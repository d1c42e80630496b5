package ceremony

import (
	"fmt"
	"slices"
	"strings"
)

var (
	retroPhases = []Phase{PhaseWaiting, PhaseBien, PhaseMal, PhaseCompromiso}
	pokerPhases = []Phase{PhaseWaiting, PhaseVoting, PhaseRevealed}

	// publicItemPhases are the phases in which participants may post cards.
	publicItemPhases = []Phase{PhaseBien, PhaseMal}
	// votingPhases are the phases in which a poker vote is accepted.
	votingPhases = []Phase{PhaseVoting, PhaseWaiting}

	voteDeck = []int{1, 2, 3, 5, 8, 13, 21}
)

// AllowedPhases returns the phases a session of kind k may be in.
func AllowedPhases(k Kind) []Phase {
	switch k {
	case KindRetro:
		return slices.Clone(retroPhases)
	case KindPoker:
		return slices.Clone(pokerPhases)
	default:
		return nil
	}
}

// Allows reports whether p is a legal phase for kind k.
func (k Kind) Allows(p Phase) bool {
	switch k {
	case KindRetro:
		return slices.Contains(retroPhases, p)
	case KindPoker:
		return slices.Contains(pokerPhases, p)
	default:
		return false
	}
}

// Valid reports whether k is a known ceremony kind.
func (k Kind) Valid() bool {
	return k == KindRetro || k == KindPoker
}

// ParsePhase normalises raw and checks it against kind k.
func ParsePhase(k Kind, raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Allows(p) {
		return "", fmt.Errorf("%w: %q is not a %s phase", ErrInvalidPhase, raw, k)
	}
	return p, nil
}

// ParseState normalises raw into an open/closed state.
func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if s != StateOpen && s != StateClosed {
		return "", fmt.Errorf("%w: invalid estado %q", ErrValidationFailed, raw)
	}
	return s, nil
}

// ParseItemType normalises raw into a retro item type.
func ParseItemType(raw string) (ItemType, error) {
	t := ItemType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case ItemBien, ItemMal, ItemCompromiso:
		return t, nil
	}
	return "", fmt.Errorf("%w: invalid tipo %q", ErrValidationFailed, raw)
}

// ParseCommitmentStatus normalises raw; empty input means pendiente.
func ParseCommitmentStatus(raw string) (CommitmentStatus, error) {
	s := CommitmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case "":
		return CommitmentPending, nil
	case CommitmentPending, CommitmentInProgress, CommitmentDone:
		return s, nil
	}
	return "", fmt.Errorf("%w: invalid commitment estado %q", ErrValidationFailed, raw)
}

// ValidVote reports whether v is a card of the poker deck.
func ValidVote(v int) bool {
	return slices.Contains(voteDeck, v)
}

// Update is a requested change to a session's estado and/or fase.
// Nil fields are left untouched.
type Update struct {
	State *State
	Phase *Phase
}

// Effects lists the side effects a transition requires. They are committed
// together with the new session row.
type Effects struct {
	ClearVotes  bool
	ClearClaims bool
	Closing     bool
}

// Transition validates u against s and returns the resulting session and the
// side effects to commit. s is never modified; on error nothing changes.
func Transition(s *Session, u Update) (*Session, Effects, error) {
	var fx Effects
	if !s.Open() {
		return nil, fx, ErrSessionClosed
	}
	next := s.Clone()
	if u.State != nil {
		switch *u.State {
		case StateOpen:
		case StateClosed:
			next.State = StateClosed
			fx.Closing = true
			fx.ClearClaims = true
		default:
			return nil, Effects{}, fmt.Errorf("%w: invalid estado %q", ErrValidationFailed, *u.State)
		}
	}
	if u.Phase != nil {
		if !s.Kind.Allows(*u.Phase) {
			return nil, Effects{}, fmt.Errorf("%w: %q is not a %s phase", ErrInvalidPhase, *u.Phase, s.Kind)
		}
		next.Phase = *u.Phase
		if s.Kind == KindPoker && *u.Phase == PhaseVoting {
			fx.ClearVotes = true
		}
	}
	return next, fx, nil
}

// CheckPublicItem reports whether a participant may post an item of type t.
func CheckPublicItem(s *Session, t ItemType) error {
	if !s.Open() {
		return ErrSessionClosed
	}
	if t == ItemCompromiso {
		return fmt.Errorf("%w: compromiso items are facilitator-only", ErrPhaseMismatch)
	}
	if !slices.Contains(publicItemPhases, s.Phase) || Phase(t) != s.Phase {
		return fmt.Errorf("%w: phase is %s, item is %s", ErrPhaseMismatch, s.Phase, t)
	}
	return nil
}

// CheckFacilitatorItem reports whether the facilitator may add an item.
// Facilitator items ignore the phase.
func CheckFacilitatorItem(s *Session) error {
	if !s.Open() {
		return ErrSessionClosed
	}
	return nil
}

// CheckVote reports whether value may be cast in s right now.
func CheckVote(s *Session, value int) error {
	if !s.Open() {
		return ErrSessionClosed
	}
	if !slices.Contains(votingPhases, s.Phase) {
		return fmt.Errorf("%w: voting is not enabled in phase %s", ErrInvalidPhase, s.Phase)
	}
	if !ValidVote(value) {
		return fmt.Errorf("%w: %d", ErrInvalidVoteValue, value)
	}
	return nil
}
