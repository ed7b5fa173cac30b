package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/models"
)

// GetSession looks up the session for (token, user_id).
func (s *Store) GetSession(ctx context.Context, token string, userID int64) (models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT token, user_id, user_type, school_id, expires_at, last_activity, last_login
		FROM sessions
		WHERE token = $1 AND user_id = $2
	`, token, userID).Scan(&sess.Token, &sess.UserID, &sess.UserType, &sess.SchoolID,
		&sess.ExpiresAt, &sess.LastActivity, &sess.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("get session: %w", mapPostgresError(err))
	}
	if sess.IsExpired(s.opts.now()) {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, token string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity = $2 WHERE token = $1`, token, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ReplaceSessions enforces one session per identity: prior sessions of
// (user_id, user_type) are deleted and the new row inserted in one transaction.
func (s *Store) ReplaceSessions(ctx context.Context, sess models.Session) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1 AND user_type = $2`, sess.UserID, sess.UserType)
	if err != nil {
		return fmt.Errorf("delete previous sessions: %w", mapPostgresError(err))
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (token, user_id, user_type, school_id, expires_at, last_activity, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.Token, sess.UserID, sess.UserType, sess.SchoolID, sess.ExpiresAt, sess.LastActivity, sess.LastLogin)
	if err != nil {
		return fmt.Errorf("insert session: %w", mapPostgresError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPostgresError(err))
	}

	log.Debug().
		Int64("user_id", sess.UserID).
		Str("user_type", sess.UserType).
		Int64("replaced", tag.RowsAffected()).
		Msg("Session replaced")
	return nil
}

// DeleteSession removes one session (logout).
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired removes sessions whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", mapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}
