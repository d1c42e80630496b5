// Package postgres implements ceremony.Repository backed by PostgreSQL.
//
// Claim exclusivity is enforced by the session_claims primary key on
// (session_id, persona_id) and a partial unique index on
// (session_id, name_key). Unique violations surface as storage.ErrConflict.
// Writes that attach data to a session take a share lock on the session row,
// so they serialise against a concurrent close.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/storage"
)

const pgUniqueViolation = "23505"

// Store implements ceremony.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ceremony.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN migrates the database to the latest schema, creates a
// connection pool and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	if err := EnsureSchema(dsn); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrConflict)
	}
	return err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionColumns = `id, token, kind, estado, fase, team_id, sprint_id, created_at, updated_at`

func scanSession(row pgx.Row) (*ceremony.Session, error) {
	var sess ceremony.Session
	err := row.Scan(&sess.ID, &sess.Token, &sess.Kind, &sess.State, &sess.Phase,
		&sess.TeamID, &sess.SprintID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *ceremony.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.Token, sess.Kind, sess.State, sess.Phase,
		sess.TeamID, sess.SprintID, sess.CreatedAt, sess.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetSession(ctx context.Context, id string) (*ceremony.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (*ceremony.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token))
}

func (s *Store) FindOpenSession(ctx context.Context, kind ceremony.Kind, teamID int64, sprintID *int64) (*ceremony.Session, error) {
	if kind != ceremony.KindRetro {
		sprintID = nil
	}
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE kind = $1 AND team_id = $2 AND estado = 'open'
		   AND ($3::BIGINT IS NULL OR sprint_id = $3)
		 ORDER BY created_at DESC LIMIT 1`,
		kind, teamID, sprintID))
}

func (s *Store) ListSessions(ctx context.Context, kind ceremony.Kind, teamID *int64) ([]*ceremony.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE kind = $1 AND ($2::BIGINT IS NULL OR team_id = $2)
		 ORDER BY updated_at DESC, created_at DESC, id`,
		kind, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ceremony.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveSession updates the session row and applies fx in one transaction.
func (s *Store) SaveSession(ctx context.Context, sess *ceremony.Session, fx ceremony.Effects) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET estado = $2, fase = $3, updated_at = $4 WHERE id = $1`,
			sess.ID, sess.State, sess.Phase, sess.UpdatedAt)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		if fx.ClearClaims {
			if _, err := tx.Exec(ctx, `DELETE FROM session_claims WHERE session_id = $1`, sess.ID); err != nil {
				return err
			}
		}
		if fx.ClearVotes {
			if _, err := tx.Exec(ctx, `DELETE FROM poker_votes WHERE session_id = $1`, sess.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// lockOpen takes a share lock on the session row and fails unless the
// session is open.
func lockOpen(ctx context.Context, tx pgx.Tx, sessionID string) error {
	var state ceremony.State
	err := tx.QueryRow(ctx,
		`SELECT estado FROM sessions WHERE id = $1 FOR SHARE`, sessionID).Scan(&state)
	if err != nil {
		return mapErr(err)
	}
	if state != ceremony.StateOpen {
		return ceremony.ErrSessionClosed
	}
	return nil
}

// lockChecked is lockOpen for writes that also depend on the phase: it
// share-locks the full session row and runs check on it, so a concurrent
// SaveSession either commits first and is seen, or waits for this write.
func lockChecked(ctx context.Context, tx pgx.Tx, sessionID string, check ceremony.WriteCheck) error {
	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR SHARE`, sessionID))
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

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

func (s *Store) InsertClaim(ctx context.Context, c *ceremony.Claim) error {
	var nameKey *string
	if c.NameKey != "" {
		nameKey = &c.NameKey
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockOpen(ctx, tx, c.SessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO session_claims (session_id, persona_id, client_id, nombre, name_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.SessionID, c.PersonaID, c.ClientID, c.Name, nameKey, c.CreatedAt)
		return mapErr(err)
	})
}

const claimColumns = `session_id, persona_id, client_id, nombre, COALESCE(name_key, ''), created_at`

func scanClaim(row pgx.Row) (*ceremony.Claim, error) {
	var c ceremony.Claim
	if err := row.Scan(&c.SessionID, &c.PersonaID, &c.ClientID, &c.Name, &c.NameKey, &c.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) GetClaim(ctx context.Context, sessionID string, personaID int64) (*ceremony.Claim, error) {
	return scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM session_claims WHERE session_id = $1 AND persona_id = $2`,
		sessionID, personaID))
}

func (s *Store) ListClaims(ctx context.Context, sessionID string) ([]*ceremony.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM session_claims WHERE session_id = $1 ORDER BY persona_id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*ceremony.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteClaim(ctx context.Context, sessionID string, personaID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_claims WHERE session_id = $1 AND persona_id = $2`,
		sessionID, personaID)
	return err
}

// ---------------------------------------------------------------------------
// Retro items
// ---------------------------------------------------------------------------

const itemColumns = `id, session_id, tipo, detalle, persona_id, asignado_id,
	COALESCE(to_char(fecha_compromiso, 'YYYY-MM-DD'), ''), estado, creado_en, actualizado_en`

func scanItem(row pgx.Row) (*ceremony.Item, error) {
	var it ceremony.Item
	err := row.Scan(&it.ID, &it.SessionID, &it.Type, &it.Detail, &it.PersonaID, &it.AssigneeID,
		&it.DueDate, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &it, nil
}

func (s *Store) CreateItem(ctx context.Context, it *ceremony.Item, check ceremony.WriteCheck) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockChecked(ctx, tx, it.SessionID, check); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO retro_items (id, session_id, tipo, detalle, persona_id, asignado_id,
			                          fecha_compromiso, estado, creado_en, actualizado_en)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::DATE, $8, $9, $10)`,
			it.ID, it.SessionID, it.Type, it.Detail, it.PersonaID, it.AssigneeID,
			it.DueDate, it.Status, it.CreatedAt, it.UpdatedAt)
		return mapErr(err)
	})
}

func (s *Store) GetItem(ctx context.Context, sessionID, itemID string) (*ceremony.Item, error) {
	return scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM retro_items WHERE session_id = $1 AND id = $2`,
		sessionID, itemID))
}

func (s *Store) UpdateItem(ctx context.Context, it *ceremony.Item) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retro_items
		 SET detalle = $3, persona_id = $4, asignado_id = $5,
		     fecha_compromiso = NULLIF($6, '')::DATE, estado = $7, actualizado_en = $8
		 WHERE session_id = $1 AND id = $2`,
		it.SessionID, it.ID, it.Detail, it.PersonaID, it.AssigneeID,
		it.DueDate, it.Status, it.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, sessionID, itemID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM retro_items WHERE session_id = $1 AND id = $2`, sessionID, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListItems(ctx context.Context, sessionID string) ([]*ceremony.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM retro_items WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*ceremony.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Poker votes
// ---------------------------------------------------------------------------

func (s *Store) UpsertVote(ctx context.Context, v *ceremony.Vote, check ceremony.WriteCheck) (*ceremony.Vote, error) {
	stored := *v
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockChecked(ctx, tx, v.SessionID, check); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO poker_votes (session_id, persona_id, valor, creado_en, actualizado_en)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, persona_id)
			 DO UPDATE SET valor = EXCLUDED.valor, actualizado_en = EXCLUDED.actualizado_en
			 RETURNING creado_en, actualizado_en`,
			v.SessionID, v.PersonaID, v.Value, v.CreatedAt, v.UpdatedAt,
		).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return &stored, nil
}

func (s *Store) ListVotes(ctx context.Context, sessionID string) ([]*ceremony.Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, persona_id, valor, creado_en, actualizado_en
		 FROM poker_votes WHERE session_id = $1 ORDER BY persona_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*ceremony.Vote{}
	for rows.Next() {
		var v ceremony.Vote
		if err := rows.Scan(&v.SessionID, &v.PersonaID, &v.Value, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
