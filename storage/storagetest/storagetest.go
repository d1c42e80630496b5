// Package storagetest holds the behaviour every ceremony.Repository backend
// must share. Backend tests call Run with a constructor for a fresh store.
package storagetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Factory returns an empty repository. It may register cleanups on t.
type Factory func(t *testing.T) ceremony.Repository

func ptr[T any](v T) *T { return &v }

func newSession(id string, kind ceremony.Kind, team int64, sprint *int64, at time.Time) *ceremony.Session {
	phase := ceremony.PhaseWaiting
	return &ceremony.Session{
		ID:        id,
		Token:     "tok-" + id,
		Kind:      kind,
		State:     ceremony.StateOpen,
		Phase:     phase,
		TeamID:    team,
		SprintID:  sprint,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Run exercises repo semantics shared by every backend.
func Run(t *testing.T, factory Factory) {
	t.Run("Sessions", func(t *testing.T) { testSessions(t, factory(t)) })
	t.Run("OneOpenSessionPerKey", func(t *testing.T) { testOneOpenSessionPerKey(t, factory(t)) })
	t.Run("SaveSessionEffects", func(t *testing.T) { testSaveSessionEffects(t, factory(t)) })
	t.Run("Claims", func(t *testing.T) { testClaims(t, factory(t)) })
	t.Run("ClosedSessionRejectsWrites", func(t *testing.T) { testClosedRejects(t, factory(t)) })
	t.Run("Items", func(t *testing.T) { testItems(t, factory(t)) })
	t.Run("Votes", func(t *testing.T) { testVotes(t, factory(t)) })
	t.Run("WriteChecksSeeCommittedPhase", func(t *testing.T) { testWriteChecks(t, factory(t)) })
}

func testSessions(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	retro := newSession("r1", ceremony.KindRetro, 1, ptr[int64](10), epoch)
	poker := newSession("p1", ceremony.KindPoker, 1, nil, epoch.Add(time.Minute))
	require.NoError(t, repo.CreateSession(ctx, retro))
	require.NoError(t, repo.CreateSession(ctx, poker))

	dup := newSession("r2", ceremony.KindRetro, 2, ptr[int64](11), epoch)
	dup.Token = retro.Token
	assert.ErrorIs(t, repo.CreateSession(ctx, dup), storage.ErrConflict)

	got, err := repo.GetSession(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, retro.Token, got.Token)
	require.NotNil(t, got.SprintID)
	assert.Equal(t, int64(10), *got.SprintID)
	assert.True(t, got.CreatedAt.Equal(epoch))

	got, err = repo.GetSessionByToken(ctx, poker.Token)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Nil(t, got.SprintID)

	_, err = repo.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetSessionByToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	found, err := repo.FindOpenSession(ctx, ceremony.KindRetro, 1, ptr[int64](10))
	require.NoError(t, err)
	assert.Equal(t, "r1", found.ID)
	_, err = repo.FindOpenSession(ctx, ceremony.KindRetro, 1, ptr[int64](99))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	found, err = repo.FindOpenSession(ctx, ceremony.KindPoker, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", found.ID)

	closed := found.Clone()
	closed.State = ceremony.StateClosed
	closed.UpdatedAt = epoch.Add(time.Hour)
	require.NoError(t, repo.SaveSession(ctx, closed, ceremony.Effects{Closing: true, ClearClaims: true}))
	_, err = repo.FindOpenSession(ctx, ceremony.KindPoker, 1, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.CreateSession(ctx, newSession("r3", ceremony.KindRetro, 2, ptr[int64](12), epoch.Add(2*time.Minute))))
	all, err := repo.ListSessions(ctx, ceremony.KindRetro, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r3", all[0].ID, "most recently updated first")
	team1, err := repo.ListSessions(ctx, ceremony.KindRetro, ptr[int64](1))
	require.NoError(t, err)
	require.Len(t, team1, 1)
	assert.Equal(t, "r1", team1[0].ID)

	missing := newSession("nope", ceremony.KindPoker, 1, nil, epoch)
	assert.ErrorIs(t, repo.SaveSession(ctx, missing, ceremony.Effects{}), storage.ErrNotFound)
}

func testOneOpenSessionPerKey(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	require.NoError(t, repo.CreateSession(ctx, newSession("r1", ceremony.KindRetro, 1, ptr[int64](10), epoch)))
	require.NoError(t, repo.CreateSession(ctx, newSession("p1", ceremony.KindPoker, 1, nil, epoch)))

	err := repo.CreateSession(ctx, newSession("r2", ceremony.KindRetro, 1, ptr[int64](10), epoch.Add(time.Second)))
	assert.ErrorIs(t, err, storage.ErrConflict, "second open retro for the same sprint")
	err = repo.CreateSession(ctx, newSession("p2", ceremony.KindPoker, 1, nil, epoch.Add(time.Second)))
	assert.ErrorIs(t, err, storage.ErrConflict, "second open poker session for the same team")

	// Other sprints and teams are independent keys.
	require.NoError(t, repo.CreateSession(ctx, newSession("r3", ceremony.KindRetro, 1, ptr[int64](11), epoch)))
	require.NoError(t, repo.CreateSession(ctx, newSession("p3", ceremony.KindPoker, 2, nil, epoch)))

	// Closing frees the key.
	closed, err := repo.GetSession(ctx, "r1")
	require.NoError(t, err)
	closed.State = ceremony.StateClosed
	require.NoError(t, repo.SaveSession(ctx, closed, ceremony.Effects{Closing: true, ClearClaims: true}))
	require.NoError(t, repo.CreateSession(ctx, newSession("r4", ceremony.KindRetro, 1, ptr[int64](10), epoch.Add(time.Minute))))

	found, err := repo.FindOpenSession(ctx, ceremony.KindRetro, 1, ptr[int64](10))
	require.NoError(t, err)
	assert.Equal(t, "r4", found.ID)
}

func testSaveSessionEffects(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	sess := newSession("p1", ceremony.KindPoker, 1, nil, epoch)
	sess.Phase = ceremony.PhaseVoting
	require.NoError(t, repo.CreateSession(ctx, sess))

	require.NoError(t, repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "p1", PersonaID: 1, ClientID: "c1", CreatedAt: epoch}))
	_, err := repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 1, Value: 5, CreatedAt: epoch, UpdatedAt: epoch}, nil)
	require.NoError(t, err)

	revealed := sess.Clone()
	revealed.Phase = ceremony.PhaseRevealed
	require.NoError(t, repo.SaveSession(ctx, revealed, ceremony.Effects{}))
	votes, err := repo.ListVotes(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, votes, 1, "no effects keeps votes")

	voting := revealed.Clone()
	voting.Phase = ceremony.PhaseVoting
	require.NoError(t, repo.SaveSession(ctx, voting, ceremony.Effects{ClearVotes: true}))
	votes, err = repo.ListVotes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, votes)
	claims, err := repo.ListClaims(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, claims, 1, "clearing votes keeps claims")

	got, err := repo.GetSession(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ceremony.PhaseVoting, got.Phase)

	require.NoError(t, repo.SaveSession(ctx, voting, ceremony.Effects{ClearClaims: true}))
	claims, err = repo.ListClaims(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func testClaims(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	require.NoError(t, repo.CreateSession(ctx, newSession("s1", ceremony.KindPoker, 1, nil, epoch)))
	require.NoError(t, repo.CreateSession(ctx, newSession("s2", ceremony.KindPoker, 2, nil, epoch)))

	ana := &ceremony.Claim{SessionID: "s1", PersonaID: 7, ClientID: "c1", Name: "Ana", NameKey: "ana", CreatedAt: epoch}
	require.NoError(t, repo.InsertClaim(ctx, ana))

	t.Run("same persona conflicts", func(t *testing.T) {
		err := repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s1", PersonaID: 7, ClientID: "c2", CreatedAt: epoch})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})
	t.Run("same name key conflicts", func(t *testing.T) {
		err := repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s1", PersonaID: 8, ClientID: "c2", Name: "ANA", NameKey: "ana", CreatedAt: epoch})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})
	t.Run("empty names never conflict", func(t *testing.T) {
		require.NoError(t, repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s1", PersonaID: 3, ClientID: "c3", CreatedAt: epoch}))
		require.NoError(t, repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s1", PersonaID: 4, ClientID: "c4", CreatedAt: epoch}))
	})
	t.Run("other sessions are independent", func(t *testing.T) {
		require.NoError(t, repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s2", PersonaID: 7, ClientID: "c9", Name: "Ana", NameKey: "ana", CreatedAt: epoch}))
	})
	t.Run("missing session", func(t *testing.T) {
		err := repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "nope", PersonaID: 1, ClientID: "c1", CreatedAt: epoch})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	got, err := repo.GetClaim(ctx, "s1", 7)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, "Ana", got.Name)
	assert.Equal(t, "ana", got.NameKey)

	_, err = repo.GetClaim(ctx, "s1", 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := repo.ListClaims(ctx, "s1")
	require.NoError(t, err)
	ids := make([]int64, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.PersonaID)
	}
	assert.Equal(t, []int64{3, 4, 7}, ids)

	require.NoError(t, repo.DeleteClaim(ctx, "s1", 7))
	require.NoError(t, repo.DeleteClaim(ctx, "s1", 7), "deleting twice is fine")
	_, err = repo.GetClaim(ctx, "s1", 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Releasing frees the name as well as the persona.
	require.NoError(t, repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "s1", PersonaID: 8, ClientID: "c2", Name: "ANA", NameKey: "ana", CreatedAt: epoch}))
}

func testClosedRejects(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	retro := newSession("r1", ceremony.KindRetro, 1, ptr[int64](1), epoch)
	poker := newSession("p1", ceremony.KindPoker, 1, nil, epoch)
	require.NoError(t, repo.CreateSession(ctx, retro))
	require.NoError(t, repo.CreateSession(ctx, poker))

	for _, s := range []*ceremony.Session{retro, poker} {
		c := s.Clone()
		c.State = ceremony.StateClosed
		require.NoError(t, repo.SaveSession(ctx, c, ceremony.Effects{Closing: true, ClearClaims: true}))
	}

	err := repo.InsertClaim(ctx, &ceremony.Claim{SessionID: "p1", PersonaID: 1, ClientID: "c1", CreatedAt: epoch})
	assert.ErrorIs(t, err, ceremony.ErrSessionClosed)
	_, err = repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 1, Value: 3, CreatedAt: epoch, UpdatedAt: epoch}, nil)
	assert.ErrorIs(t, err, ceremony.ErrSessionClosed)
	err = repo.CreateItem(ctx, &ceremony.Item{ID: "i1", SessionID: "r1", Type: ceremony.ItemBien, Detail: "x", Status: ceremony.CommitmentPending, CreatedAt: epoch, UpdatedAt: epoch}, nil)
	assert.ErrorIs(t, err, ceremony.ErrSessionClosed)
}

func testItems(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	require.NoError(t, repo.CreateSession(ctx, newSession("r1", ceremony.KindRetro, 1, ptr[int64](1), epoch)))

	mk := func(id string, typ ceremony.ItemType) *ceremony.Item {
		return &ceremony.Item{ID: id, SessionID: "r1", Type: typ, Detail: "detail " + id,
			Status: ceremony.CommitmentPending, CreatedAt: epoch, UpdatedAt: epoch}
	}
	// Identical timestamps: order must come from insertion.
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.CreateItem(ctx, mk(id, ceremony.ItemBien), nil))
	}
	commitment := mk("d", ceremony.ItemCompromiso)
	commitment.AssigneeID = ptr[int64](4)
	commitment.DueDate = "2026-03-20"
	commitment.PersonaID = ptr[int64](2)
	require.NoError(t, repo.CreateItem(ctx, commitment, nil))
	assert.ErrorIs(t, repo.CreateItem(ctx, mk("a", ceremony.ItemMal), nil), storage.ErrConflict)

	items, err := repo.ListItems(ctx, "r1")
	require.NoError(t, err)
	var order []string
	for _, it := range items {
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, order)

	got, err := repo.GetItem(ctx, "r1", "d")
	require.NoError(t, err)
	assert.Equal(t, ceremony.ItemCompromiso, got.Type)
	assert.Equal(t, "2026-03-20", got.DueDate)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, int64(4), *got.AssigneeID)

	got.Status = ceremony.CommitmentDone
	got.Detail = "done"
	got.UpdatedAt = epoch.Add(time.Hour)
	require.NoError(t, repo.UpdateItem(ctx, got))
	again, err := repo.GetItem(ctx, "r1", "d")
	require.NoError(t, err)
	assert.Equal(t, ceremony.CommitmentDone, again.Status)
	assert.Equal(t, "done", again.Detail)

	require.NoError(t, repo.DeleteItem(ctx, "r1", "a"))
	assert.ErrorIs(t, repo.DeleteItem(ctx, "r1", "a"), storage.ErrNotFound)
	_, err = repo.GetItem(ctx, "r1", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ghost := mk("ghost", ceremony.ItemBien)
	assert.ErrorIs(t, repo.UpdateItem(ctx, ghost), storage.ErrNotFound)

	items, err = repo.ListItems(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func testVotes(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	sess := newSession("p1", ceremony.KindPoker, 1, nil, epoch)
	sess.Phase = ceremony.PhaseVoting
	require.NoError(t, repo.CreateSession(ctx, sess))

	first, err := repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 2, Value: 5, CreatedAt: epoch, UpdatedAt: epoch}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Value)

	later := epoch.Add(time.Minute)
	second, err := repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 2, Value: 8, CreatedAt: later, UpdatedAt: later}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, second.Value)
	assert.True(t, second.CreatedAt.Equal(epoch), "overwrite keeps the first timestamp")
	assert.True(t, second.UpdatedAt.Equal(later))

	_, err = repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 1, Value: 3, CreatedAt: epoch, UpdatedAt: epoch}, nil)
	require.NoError(t, err)

	votes, err := repo.ListVotes(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, int64(1), votes[0].PersonaID)
	assert.Equal(t, int64(2), votes[1].PersonaID)
	assert.Equal(t, 8, votes[1].Value)
}

func testWriteChecks(t *testing.T, repo ceremony.Repository) {
	ctx := t.Context()
	retro := newSession("r1", ceremony.KindRetro, 1, ptr[int64](1), epoch)
	retro.Phase = ceremony.PhaseBien
	poker := newSession("p1", ceremony.KindPoker, 1, nil, epoch)
	poker.Phase = ceremony.PhaseVoting
	require.NoError(t, repo.CreateSession(ctx, retro))
	require.NoError(t, repo.CreateSession(ctx, poker))

	// The phase moves on after a caller has validated against the old one.
	mal := retro.Clone()
	mal.Phase = ceremony.PhaseMal
	require.NoError(t, repo.SaveSession(ctx, mal, ceremony.Effects{}))
	revealed := poker.Clone()
	revealed.Phase = ceremony.PhaseRevealed
	require.NoError(t, repo.SaveSession(ctx, revealed, ceremony.Effects{}))

	var seen ceremony.Phase
	err := repo.CreateItem(ctx, &ceremony.Item{ID: "i1", SessionID: "r1", Type: ceremony.ItemBien, Detail: "x",
		Status: ceremony.CommitmentPending, CreatedAt: epoch, UpdatedAt: epoch},
		func(cur *ceremony.Session) error {
			seen = cur.Phase
			return ceremony.CheckPublicItem(cur, ceremony.ItemBien)
		})
	assert.ErrorIs(t, err, ceremony.ErrPhaseMismatch)
	assert.Equal(t, ceremony.PhaseMal, seen)
	items, err := repo.ListItems(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = repo.UpsertVote(ctx, &ceremony.Vote{SessionID: "p1", PersonaID: 1, Value: 5, CreatedAt: epoch, UpdatedAt: epoch},
		func(cur *ceremony.Session) error { return ceremony.CheckVote(cur, 5) })
	assert.ErrorIs(t, err, ceremony.ErrInvalidPhase)
	votes, err := repo.ListVotes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, votes)

	// A passing check lets the write through.
	err = repo.CreateItem(ctx, &ceremony.Item{ID: "i2", SessionID: "r1", Type: ceremony.ItemMal, Detail: "y",
		Status: ceremony.CommitmentPending, CreatedAt: epoch, UpdatedAt: epoch},
		func(cur *ceremony.Session) error { return ceremony.CheckPublicItem(cur, ceremony.ItemMal) })
	require.NoError(t, err)
}
