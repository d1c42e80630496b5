package memory

import (
	"testing"
	"time"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ceremony.Repository {
		return NewRepository()
	})
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewRepository()
	ctx := t.Context()
	now := time.Now()
	sprint := int64(3)
	if err := repo.CreateSession(ctx, &ceremony.Session{
		ID: "s1", Token: "t1", Kind: ceremony.KindRetro, State: ceremony.StateOpen,
		Phase: ceremony.PhaseWaiting, TeamID: 1, SprintID: &sprint, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	got.Phase = ceremony.PhaseBien
	*got.SprintID = 99

	again, _ := repo.GetSession(ctx, "s1")
	if again.Phase != ceremony.PhaseWaiting || *again.SprintID != 3 {
		t.Errorf("memory repository should return clones of sessions, got %+v", again)
	}
}
