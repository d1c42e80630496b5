package bbolt

import (
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrumlive-test.db")
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ceremony.Repository {
		return newTestStore(t)
	})
}

func TestBBoltReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := t.Context()

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess := &ceremony.Session{ID: "p1", Token: "t1", Kind: ceremony.KindPoker,
		State: ceremony.StateOpen, Phase: ceremony.PhaseVoting, TeamID: 4}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.InsertClaim(ctx, &ceremony.Claim{SessionID: "p1", PersonaID: 2, ClientID: "c", NameKey: "eva", Name: "Eva"}); err != nil {
		t.Fatalf("InsertClaim failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err = NewRepository(db)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer s.Close()

	got, err := s.GetSessionByToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSessionByToken failed: %v", err)
	}
	if got.Phase != ceremony.PhaseVoting {
		t.Errorf("expected phase voting, got %s", got.Phase)
	}
	c, err := s.GetClaim(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("GetClaim failed: %v", err)
	}
	if c.NameKey != "eva" {
		t.Errorf("expected name key to survive reopen, got %q", c.NameKey)
	}
}
