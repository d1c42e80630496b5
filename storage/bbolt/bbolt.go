// Package bbolt provides a BBolt-backed ceremony repository.
package bbolt

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage"
	"go.etcd.io/bbolt"
)

var (
	bucketSessions   = []byte("sessions")
	bucketTokens     = []byte("session_tokens")
	bucketClaims     = []byte("claims")
	bucketClaimNames = []byte("claim_names")
	bucketItems      = []byte("items")
	bucketVotes      = []byte("votes")

	topBuckets = [][]byte{bucketSessions, bucketTokens, bucketClaims, bucketClaimNames, bucketItems, bucketVotes}
)

// Store implements ceremony.Repository backed by a BBolt database. Claims,
// items and votes live in one sub-bucket per session under their top-level
// bucket, so clearing a session's claims or votes is a single bucket delete.
type Store struct {
	db *bbolt.DB
}

var _ ceremony.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range topBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func personaKey(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// sessionBucket returns the per-session child of top. With create unset it
// returns nil when the child does not exist yet.
func sessionBucket(tx *bbolt.Tx, top []byte, sessionID string, create bool) (*bbolt.Bucket, error) {
	parent := tx.Bucket(top)
	if !create {
		return parent.Bucket([]byte(sessionID)), nil
	}
	return parent.CreateBucketIfNotExists([]byte(sessionID))
}

func dropSessionBucket(tx *bbolt.Tx, top []byte, sessionID string) error {
	err := tx.Bucket(top).DeleteBucket([]byte(sessionID))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return err
	}
	return nil
}

func getSession(tx *bbolt.Tx, id string) (*ceremony.Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(id))
	if data == nil {
		return nil, storage.ErrNotFound
	}
	var sess ceremony.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func putSession(tx *bbolt.Tx, sess *ceremony.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
}

// requireOpen fails unless data may still be attached to session id.
func requireOpen(tx *bbolt.Tx, id string) error {
	return requireOpenChecked(tx, id, nil)
}

// requireOpenChecked is requireOpen followed by check, when set.
func requireOpenChecked(tx *bbolt.Tx, id string, check ceremony.WriteCheck) error {
	sess, err := getSession(tx, id)
	if err != nil {
		return err
	}
	if !sess.Open() {
		return ceremony.ErrSessionClosed
	}
	if check != nil {
		return check(sess)
	}
	return nil
}

// requireNoOpenDuplicate fails with storage.ErrConflict when another open
// session already holds the (kind, team[, sprint]) key of sess. The scan runs
// inside the write tx, which bbolt serialises.
func requireNoOpenDuplicate(tx *bbolt.Tx, sess *ceremony.Session) error {
	return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
		var other ceremony.Session
		if err := json.Unmarshal(v, &other); err != nil {
			return fmt.Errorf("decoding session %s: %w", k, err)
		}
		if other.OpenFor(sess.Kind, sess.TeamID, sess.SprintID) {
			return storage.ErrConflict
		}
		return nil
	})
}

func (s *Store) CreateSession(_ context.Context, sess *ceremony.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(sess.ID)) != nil {
			return storage.ErrConflict
		}
		tokens := tx.Bucket(bucketTokens)
		if tokens.Get([]byte(sess.Token)) != nil {
			return storage.ErrConflict
		}
		if sess.Open() {
			if err := requireNoOpenDuplicate(tx, sess); err != nil {
				return err
			}
		}
		if err := tokens.Put([]byte(sess.Token), []byte(sess.ID)); err != nil {
			return err
		}
		return putSession(tx, sess)
	})
}

func (s *Store) GetSession(_ context.Context, id string) (*ceremony.Session, error) {
	var out *ceremony.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = getSession(tx, id)
		return err
	})
	return out, err
}

func (s *Store) GetSessionByToken(_ context.Context, token string) (*ceremony.Session, error) {
	var out *ceremony.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketTokens).Get([]byte(token))
		if id == nil {
			return storage.ErrNotFound
		}
		var err error
		out, err = getSession(tx, string(id))
		return err
	})
	return out, err
}

func (s *Store) scanSessions(match func(*ceremony.Session) bool) ([]*ceremony.Session, error) {
	var out []*ceremony.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess ceremony.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decoding session %s: %w", k, err)
			}
			if match(&sess) {
				out = append(out, &sess)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) FindOpenSession(_ context.Context, kind ceremony.Kind, teamID int64, sprintID *int64) (*ceremony.Session, error) {
	found, err := s.scanSessions(func(sess *ceremony.Session) bool {
		return sess.OpenFor(kind, teamID, sprintID)
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, storage.ErrNotFound
	}
	newest := slices.MaxFunc(found, func(a, b *ceremony.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return newest, nil
}

func (s *Store) ListSessions(_ context.Context, kind ceremony.Kind, teamID *int64) ([]*ceremony.Session, error) {
	out, err := s.scanSessions(func(sess *ceremony.Session) bool {
		return sess.Kind == kind && (teamID == nil || sess.TeamID == *teamID)
	})
	if err != nil {
		return nil, err
	}
	ceremony.SortByActivity(out)
	return out, nil
}

// SaveSession writes the session row and applies fx in one bbolt transaction.
func (s *Store) SaveSession(_ context.Context, sess *ceremony.Session, fx ceremony.Effects) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(sess.ID)) == nil {
			return storage.ErrNotFound
		}
		if err := putSession(tx, sess); err != nil {
			return err
		}
		if fx.ClearClaims {
			if err := dropSessionBucket(tx, bucketClaims, sess.ID); err != nil {
				return err
			}
			if err := dropSessionBucket(tx, bucketClaimNames, sess.ID); err != nil {
				return err
			}
		}
		if fx.ClearVotes {
			if err := dropSessionBucket(tx, bucketVotes, sess.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertClaim(_ context.Context, c *ceremony.Claim) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := requireOpen(tx, c.SessionID); err != nil {
			return err
		}
		claims, err := sessionBucket(tx, bucketClaims, c.SessionID, true)
		if err != nil {
			return err
		}
		key := personaKey(c.PersonaID)
		if claims.Get(key) != nil {
			return storage.ErrConflict
		}
		if c.NameKey != "" {
			names, err := sessionBucket(tx, bucketClaimNames, c.SessionID, true)
			if err != nil {
				return err
			}
			if names.Get([]byte(c.NameKey)) != nil {
				return storage.ErrConflict
			}
			if err := names.Put([]byte(c.NameKey), key); err != nil {
				return err
			}
		}
		data, err := json.Marshal(claimRecord{Claim: *c, NameKey: c.NameKey})
		if err != nil {
			return err
		}
		return claims.Put(key, data)
	})
}

// claimRecord persists the name key that ceremony.Claim hides from JSON.
type claimRecord struct {
	ceremony.Claim
	NameKey string `json:"name_key,omitempty"`
}

func decodeClaim(data []byte) (*ceremony.Claim, error) {
	var rec claimRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding claim: %w", err)
	}
	c := rec.Claim
	c.NameKey = rec.NameKey
	return &c, nil
}

func (s *Store) GetClaim(_ context.Context, sessionID string, personaID int64) (*ceremony.Claim, error) {
	var out *ceremony.Claim
	err := s.db.View(func(tx *bbolt.Tx) error {
		claims, _ := sessionBucket(tx, bucketClaims, sessionID, false)
		if claims == nil {
			return storage.ErrNotFound
		}
		data := claims.Get(personaKey(personaID))
		if data == nil {
			return storage.ErrNotFound
		}
		var err error
		out, err = decodeClaim(data)
		return err
	})
	return out, err
}

// ListClaims relies on big-endian persona keys for ordering.
func (s *Store) ListClaims(_ context.Context, sessionID string) ([]*ceremony.Claim, error) {
	out := []*ceremony.Claim{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		claims, _ := sessionBucket(tx, bucketClaims, sessionID, false)
		if claims == nil {
			return nil
		}
		return claims.ForEach(func(_, v []byte) error {
			c, err := decodeClaim(v)
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteClaim(_ context.Context, sessionID string, personaID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		claims, _ := sessionBucket(tx, bucketClaims, sessionID, false)
		if claims == nil {
			return nil
		}
		key := personaKey(personaID)
		data := claims.Get(key)
		if data == nil {
			return nil
		}
		c, err := decodeClaim(data)
		if err != nil {
			return err
		}
		if c.NameKey != "" {
			if names, _ := sessionBucket(tx, bucketClaimNames, sessionID, false); names != nil {
				if err := names.Delete([]byte(c.NameKey)); err != nil {
					return err
				}
			}
		}
		return claims.Delete(key)
	})
}

// itemRecord keeps the insertion sequence next to the item.
type itemRecord struct {
	Seq  uint64         `json:"seq"`
	Item *ceremony.Item `json:"item"`
}

func getItemRecord(b *bbolt.Bucket, itemID string) (*itemRecord, error) {
	data := b.Get([]byte(itemID))
	if data == nil {
		return nil, storage.ErrNotFound
	}
	var rec itemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding item %s: %w", itemID, err)
	}
	return &rec, nil
}

func putItemRecord(b *bbolt.Bucket, rec *itemRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Item.ID), data)
}

func (s *Store) CreateItem(_ context.Context, it *ceremony.Item, check ceremony.WriteCheck) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := requireOpenChecked(tx, it.SessionID, check); err != nil {
			return err
		}
		items, err := sessionBucket(tx, bucketItems, it.SessionID, true)
		if err != nil {
			return err
		}
		if items.Get([]byte(it.ID)) != nil {
			return storage.ErrConflict
		}
		seq, err := items.NextSequence()
		if err != nil {
			return err
		}
		return putItemRecord(items, &itemRecord{Seq: seq, Item: it})
	})
}

func (s *Store) GetItem(_ context.Context, sessionID, itemID string) (*ceremony.Item, error) {
	var out *ceremony.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		items, _ := sessionBucket(tx, bucketItems, sessionID, false)
		if items == nil {
			return storage.ErrNotFound
		}
		rec, err := getItemRecord(items, itemID)
		if err != nil {
			return err
		}
		out = rec.Item
		return nil
	})
	return out, err
}

func (s *Store) UpdateItem(_ context.Context, it *ceremony.Item) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items, _ := sessionBucket(tx, bucketItems, it.SessionID, false)
		if items == nil {
			return storage.ErrNotFound
		}
		rec, err := getItemRecord(items, it.ID)
		if err != nil {
			return err
		}
		rec.Item = it
		return putItemRecord(items, rec)
	})
}

func (s *Store) DeleteItem(_ context.Context, sessionID, itemID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items, _ := sessionBucket(tx, bucketItems, sessionID, false)
		if items == nil || items.Get([]byte(itemID)) == nil {
			return storage.ErrNotFound
		}
		return items.Delete([]byte(itemID))
	})
}

func (s *Store) ListItems(_ context.Context, sessionID string) ([]*ceremony.Item, error) {
	var recs []itemRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		items, _ := sessionBucket(tx, bucketItems, sessionID, false)
		if items == nil {
			return nil
		}
		return items.ForEach(func(k, v []byte) error {
			var rec itemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding item %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b itemRecord) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	out := make([]*ceremony.Item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Item)
	}
	return out, nil
}

func (s *Store) UpsertVote(_ context.Context, v *ceremony.Vote, check ceremony.WriteCheck) (*ceremony.Vote, error) {
	stored := *v
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := requireOpenChecked(tx, v.SessionID, check); err != nil {
			return err
		}
		votes, err := sessionBucket(tx, bucketVotes, v.SessionID, true)
		if err != nil {
			return err
		}
		key := personaKey(v.PersonaID)
		if prev := votes.Get(key); prev != nil {
			var old ceremony.Vote
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decoding vote: %w", err)
			}
			stored.CreatedAt = old.CreatedAt
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return votes.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) ListVotes(_ context.Context, sessionID string) ([]*ceremony.Vote, error) {
	out := []*ceremony.Vote{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		votes, _ := sessionBucket(tx, bucketVotes, sessionID, false)
		if votes == nil {
			return nil
		}
		return votes.ForEach(func(_, v []byte) error {
			var vote ceremony.Vote
			if err := json.Unmarshal(v, &vote); err != nil {
				return fmt.Errorf("decoding vote: %w", err)
			}
			out = append(out, &vote)
			return nil
		})
	})
	return out, err
}
