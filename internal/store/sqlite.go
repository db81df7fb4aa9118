// Package store provides storage backends for Habita.
//
// This file implements the SQLite-backed store, the default for single-node
// deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/util"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; the parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetUser not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users WHERE phone_number = ?`, phoneNumber)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetUserByPhone not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByPhone failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query user by phone: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Error("SQLiteStore ListUsers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	slog.Debug("SQLiteStore ListUsers succeeded", "count", len(users))
	return users, nil
}

func (s *SQLiteStore) UpsertUser(phoneNumber, chatID, name string) (*models.User, error) {
	now := time.Now()
	id := util.GenerateUserID()
	_, err := s.db.Exec(`
		INSERT INTO users (id, phone_number, chat_id, name, state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			chat_id = excluded.chat_id,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			updated_at = excluded.updated_at`,
		id, phoneNumber, chatID, name, models.StateDiscovery, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to upsert user %s: %w", phoneNumber, err)
	}
	u, err := s.GetUserByPhone(phoneNumber)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("upserted user %s not found", phoneNumber)
	}
	slog.Debug("SQLiteStore UpsertUser succeeded", "id", u.ID, "phone", phoneNumber)
	return u, nil
}

// UpdateUserState persists state and state data in a single statement so the
// two are never observed inconsistent.
func (s *SQLiteStore) UpdateUserState(id string, state models.DialogueState, data models.StateData) error {
	stateDataJSON, err := encodeStateData(data)
	if err != nil {
		slog.Error("SQLiteStore UpdateUserState encode failed", "error", err, "id", id)
		return err
	}
	res, err := s.db.Exec(`UPDATE users SET state = ?, state_data = ?, updated_at = ? WHERE id = ?`,
		state, stateDataJSON, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateUserState failed", "error", err, "id", id, "state", state)
		return fmt.Errorf("failed to update user state for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	slog.Debug("SQLiteStore UpdateUserState succeeded", "id", id, "state", state)
	return nil
}

func (s *SQLiteStore) AddMessage(userID string, role models.Role, text string) (*models.Message, error) {
	m := models.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, user_id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Role, m.Text, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to insert message for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "userID", userID, "role", role)
	return &m, nil
}

func (s *SQLiteStore) GetMessages(userID string, q MessageQuery) ([]models.Message, error) {
	query := `SELECT id, user_id, role, text, created_at FROM messages WHERE user_id = ?`
	args := []interface{}{userID}
	if !q.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.Since)
	}
	if q.Desc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	slog.Debug("SQLiteStore GetMessages succeeded", "userID", userID, "count", len(messages))
	return messages, nil
}

func (s *SQLiteStore) AddSummary(userID, text string) (*models.Summary, error) {
	sum := models.Summary{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO summaries (id, user_id, text, created_at) VALUES (?, ?, ?, ?)`,
		sum.ID, sum.UserID, sum.Text, sum.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddSummary failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to insert summary for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore AddSummary succeeded", "userID", userID)
	return &sum, nil
}

func (s *SQLiteStore) GetSummaries(userID string, q SummaryQuery) ([]models.Summary, error) {
	query := `SELECT id, user_id, text, created_at FROM summaries WHERE user_id = ?`
	args := []interface{}{userID}
	if q.Desc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetSummaries query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}
	return summaries, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
