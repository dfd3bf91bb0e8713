package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, is_email_verified
		FROM users WHERE lower(email) = lower($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, is_email_verified
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

// VerifyUserEmail marks the owner of an unexpired verification token as
// verified and returns the user ID so the caller can mint an auth code.
func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
		RETURNING id
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ── Password resets ──

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── One-time auth codes ──

func (s *PostgresStore) CreateAuthCode(ctx context.Context, code, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, code, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode atomically spends a code; a second exchange of the same
// code finds no row and fails.
func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, code string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE auth_codes SET used_at=NOW()
		WHERE code=$1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, code).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Profiles ──

func (s *PostgresStore) GetOrCreateProfile(ctx context.Context, userID, displayName string) (Profile, error) {
	profile, err := s.getProfileByUserID(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("lookup profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, user_id, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.NewString(), userID, displayName)
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}

	// Re-read: a concurrent creator may have won the upsert race.
	return s.getProfileByUserID(ctx, userID)
}

func (s *PostgresStore) getProfileByUserID(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, speech_rate, speech_lang, created_at, updated_at
		FROM profiles WHERE user_id=$1
	`, userID).Scan(&p.ID, &p.UserID, &p.DisplayName, &p.SpeechRate, &p.SpeechLang, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, profileID, displayName string, speechRate float64, speechLang string) (Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET display_name=$2, speech_rate=$3, speech_lang=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING id, user_id, display_name, speech_rate, speech_lang, created_at, updated_at
	`, profileID, displayName, speechRate, speechLang).Scan(&p.ID, &p.UserID, &p.DisplayName, &p.SpeechRate, &p.SpeechLang, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

// ── Chat groups ──

func (s *PostgresStore) ListChatGroups(ctx context.Context, profileID string, activeOnly bool) ([]ChatGroup, error) {
	query := `
		SELECT id, profile_id, name, description, is_active, created_at, updated_at
		FROM chat_groups
		WHERE profile_id=$1
	`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("list chat groups: %w", err)
	}
	defer rows.Close()

	items := make([]ChatGroup, 0)
	for rows.Next() {
		var g ChatGroup
		if err := rows.Scan(&g.ID, &g.ProfileID, &g.Name, &g.Description, &g.IsActive, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat group: %w", err)
		}
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat groups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChatGroupSummaries(ctx context.Context, profileID string) ([]ChatGroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.profile_id, g.name, g.description, g.is_active, g.created_at, g.updated_at,
			COUNT(m.id),
			COALESCE((SELECT content FROM chat_messages WHERE chat_group_id=g.id ORDER BY created_at DESC LIMIT 1), ''),
			MAX(m.created_at)
		FROM chat_groups g
		LEFT JOIN chat_messages m ON m.chat_group_id = g.id
		WHERE g.profile_id=$1
		GROUP BY g.id
		ORDER BY g.updated_at DESC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list chat group summaries: %w", err)
	}
	defer rows.Close()

	items := make([]ChatGroupSummary, 0)
	for rows.Next() {
		var g ChatGroupSummary
		if err := rows.Scan(&g.ID, &g.ProfileID, &g.Name, &g.Description, &g.IsActive, &g.CreatedAt, &g.UpdatedAt,
			&g.MessageCount, &g.LastMessage, &g.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan chat group summary: %w", err)
		}
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat group summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChatGroup(ctx context.Context, groupID string) (ChatGroup, error) {
	var g ChatGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, name, description, is_active, created_at, updated_at
		FROM chat_groups WHERE id=$1
	`, groupID).Scan(&g.ID, &g.ProfileID, &g.Name, &g.Description, &g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return ChatGroup{}, err
	}
	return g, nil
}

func (s *PostgresStore) InsertChatGroup(ctx context.Context, group ChatGroup) (ChatGroup, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_groups (id, profile_id, name, description, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, group.ID, group.ProfileID, group.Name, group.Description, group.IsActive).Scan(&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return ChatGroup{}, fmt.Errorf("insert chat group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) UpdateChatGroup(ctx context.Context, groupID, name, description string) (ChatGroup, error) {
	var g ChatGroup
	err := s.db.QueryRowContext(ctx, `
		UPDATE chat_groups SET name=$2, description=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING id, profile_id, name, description, is_active, created_at, updated_at
	`, groupID, name, description).Scan(&g.ID, &g.ProfileID, &g.Name, &g.Description, &g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return ChatGroup{}, fmt.Errorf("update chat group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) SetChatGroupActive(ctx context.Context, groupID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_groups SET is_active=$2, updated_at=NOW() WHERE id=$1
	`, groupID, active)
	if err != nil {
		return fmt.Errorf("set chat group active: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChatGroup(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_groups WHERE id=$1`, groupID)
	if err != nil {
		return fmt.Errorf("delete chat group: %w", err)
	}
	return nil
}

// ── Chat messages ──

func (s *PostgresStore) ListChatMessages(ctx context.Context, groupID string, limit, offset int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_group_id, role, content, model, created_at
		FROM chat_messages
		WHERE chat_group_id=$1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatGroupID, &m.Role, &m.Content, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChatMessage(ctx context.Context, messageID string) (ChatMessage, error) {
	var m ChatMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_group_id, role, content, model, created_at
		FROM chat_messages WHERE id=$1
	`, messageID).Scan(&m.ID, &m.ChatGroupID, &m.Role, &m.Content, &m.Model, &m.CreatedAt)
	if err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, message ChatMessage) (ChatMessage, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, chat_group_id, role, content, model)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, message.ID, message.ChatGroupID, message.Role, message.Content, message.Model).Scan(&message.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	// Bump the group so it sorts to the top of the sidebar.
	_, _ = s.db.ExecContext(ctx, `UPDATE chat_groups SET updated_at=NOW() WHERE id=$1`, message.ChatGroupID)
	return message, nil
}

// ── Bookmarks ──

func (s *PostgresStore) FindBookmark(ctx context.Context, profileID, messageID string) (Bookmark, error) {
	var b Bookmark
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, message_id, english_text, japanese_text, note, created_at
		FROM bookmarks WHERE profile_id=$1 AND message_id=$2
	`, profileID, messageID).Scan(&b.ID, &b.ProfileID, &b.MessageID, &b.EnglishText, &b.JapaneseText, &b.Note, &b.CreatedAt)
	if err != nil {
		return Bookmark{}, err
	}
	return b, nil
}

// InsertBookmark performs exactly one write. A concurrent insert of the same
// (profile, message) pair loses the unique-index race and gets
// ErrDuplicateBookmark instead of a generic failure.
func (s *PostgresStore) InsertBookmark(ctx context.Context, bookmark Bookmark) (Bookmark, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bookmarks (id, profile_id, message_id, english_text, japanese_text, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, bookmark.ID, bookmark.ProfileID, bookmark.MessageID, bookmark.EnglishText, bookmark.JapaneseText, bookmark.Note).Scan(&bookmark.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Bookmark{}, ErrDuplicateBookmark
		}
		return Bookmark{}, fmt.Errorf("insert bookmark: %w", err)
	}
	return bookmark, nil
}

func (s *PostgresStore) DeleteBookmark(ctx context.Context, profileID, bookmarkID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id=$1 AND profile_id=$2`, bookmarkID, profileID)
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBookmarks(ctx context.Context, profileID string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, message_id, english_text, japanese_text, note, created_at
		FROM bookmarks
		WHERE profile_id=$1
		ORDER BY created_at DESC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	items := make([]Bookmark, 0)
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.ProfileID, &b.MessageID, &b.EnglishText, &b.JapaneseText, &b.Note, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBookmarkNote(ctx context.Context, profileID, bookmarkID, note string) (Bookmark, error) {
	var b Bookmark
	err := s.db.QueryRowContext(ctx, `
		UPDATE bookmarks SET note=$3
		WHERE id=$1 AND profile_id=$2
		RETURNING id, profile_id, message_id, english_text, japanese_text, note, created_at
	`, bookmarkID, profileID, note).Scan(&b.ID, &b.ProfileID, &b.MessageID, &b.EnglishText, &b.JapaneseText, &b.Note, &b.CreatedAt)
	if err != nil {
		return Bookmark{}, err
	}
	return b, nil
}
