package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return inTx(ctx, s.db, fn)
}

const userColumns = `id, handle, display_name, email, COALESCE(avatar_url, ''), role, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Handle, &user.DisplayName, &user.Email, &user.AvatarURL, &user.Role, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("get user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return user, nil
}

// FindUserByHandle resolves a mention handle case-insensitively.
func (s *PostgresStore) FindUserByHandle(ctx context.Context, handle string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(handle)=LOWER($1)`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("find user @%s: %w", handle, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("find user @%s: %w", handle, err)
	}
	return user, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	if user.Role == "" {
		user.Role = "editor"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, handle, display_name, email, avatar_url, role)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (id) DO UPDATE SET
			handle=EXCLUDED.handle,
			display_name=EXCLUDED.display_name,
			email=EXCLUDED.email,
			avatar_url=EXCLUDED.avatar_url,
			role=EXCLUDED.role
		RETURNING `+userColumns,
		user.ID, user.Handle, user.DisplayName, user.Email, user.AvatarURL, user.Role)
	saved, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return saved, nil
}

const sessionColumns = `id, resource_type, resource_id, participants, active_editors, created_at, updated_at, expires_at, ended_at`

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var participantsRaw, editorsRaw []byte
	var endedAt sql.NullTime
	if err := row.Scan(
		&session.ID,
		&session.ResourceType,
		&session.ResourceID,
		&participantsRaw,
		&editorsRaw,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ExpiresAt,
		&endedAt,
	); err != nil {
		return Session{}, err
	}
	session.EndedAt = nullTimePtr(endedAt)
	if err := json.Unmarshal(participantsRaw, &session.Participants); err != nil {
		return Session{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(editorsRaw, &session.ActiveEditors); err != nil {
		return Session{}, fmt.Errorf("decode active editors: %w", err)
	}
	if session.Participants == nil {
		session.Participants = []Participant{}
	}
	if session.ActiveEditors == nil {
		session.ActiveEditors = []string{}
	}
	return session, nil
}

func encodeSessionLists(session Session) (string, string, error) {
	participants, err := encodeJSON(session.Participants, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode participants: %w", err)
	}
	editors, err := encodeJSON(session.ActiveEditors, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode active editors: %w", err)
	}
	return participants, editors, nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, session Session) error {
	participants, editors, err := encodeSessionLists(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collaboration_sessions (id, resource_type, resource_id, participants, active_editors, created_at, updated_at, expires_at, ended_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9)
	`, session.ID, session.ResourceType, session.ResourceID, participants, editors, session.CreatedAt, session.UpdatedAt, session.ExpiresAt, nullableTime(session.EndedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session Session) error {
	participants, editors, err := encodeSessionLists(session)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_sessions
		SET participants=$2::jsonb, active_editors=$3::jsonb, updated_at=$4, expires_at=$5, ended_at=$6
		WHERE id=$1
	`, session.ID, participants, editors, session.UpdatedAt, session.ExpiresAt, nullableTime(session.EndedAt))
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	return expectAffected(result, fmt.Sprintf("update session %s", session.ID))
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM collaboration_sessions WHERE id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// FindActiveSession returns the newest session for a resource that has
// neither ended nor expired.
func (s *PostgresStore) FindActiveSession(ctx context.Context, resourceType ResourceType, resourceID string, now time.Time) (Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM collaboration_sessions
		WHERE resource_type=$1 AND resource_id=$2 AND ended_at IS NULL AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`, resourceType, resourceID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("find session for %s/%s: %w", resourceType, resourceID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("find session for %s/%s: %w", resourceType, resourceID, err)
	}
	return session, nil
}

// EndSession marks a session as ended. The row is kept so joins by id can
// still rehydrate it or report it expired.
func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_sessions SET ended_at=$2, updated_at=$2 WHERE id=$1
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return expectAffected(result, fmt.Sprintf("end session %s", sessionID))
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeJSON(value any, empty string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}

func expectAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
