// Package store provides storage backends for Habita.
//
// This file implements the PostgreSQL-backed store for multi-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/util"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users WHERE phone_number = $1`, phoneNumber)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByPhone failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query user by phone: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, chat_id, name, state, state_data, created_at, updated_at FROM users ORDER BY created_at`)
	if err != nil {
		slog.Error("PostgresStore ListUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Error("PostgresStore ListUsers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) UpsertUser(phoneNumber, chatID, name string) (*models.User, error) {
	now := time.Now()
	id := util.GenerateUserID()
	_, err := s.db.Exec(`
		INSERT INTO users (id, phone_number, chat_id, name, state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, $6)
		ON CONFLICT (phone_number) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			name = CASE WHEN EXCLUDED.name != '' THEN EXCLUDED.name ELSE users.name END,
			updated_at = EXCLUDED.updated_at`,
		id, phoneNumber, chatID, name, models.StateDiscovery, now)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to upsert user %s: %w", phoneNumber, err)
	}
	u, err := s.GetUserByPhone(phoneNumber)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("upserted user %s not found", phoneNumber)
	}
	slog.Debug("PostgresStore UpsertUser succeeded", "id", u.ID, "phone", phoneNumber)
	return u, nil
}

// UpdateUserState persists state and state data in a single statement so the
// two are never observed inconsistent.
func (s *PostgresStore) UpdateUserState(id string, state models.DialogueState, data models.StateData) error {
	stateDataJSON, err := encodeStateData(data)
	if err != nil {
		slog.Error("PostgresStore UpdateUserState encode failed", "error", err, "id", id)
		return err
	}
	res, err := s.db.Exec(`UPDATE users SET state = $1, state_data = $2, updated_at = $3 WHERE id = $4`,
		state, stateDataJSON, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateUserState failed", "error", err, "id", id, "state", state)
		return fmt.Errorf("failed to update user state for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	slog.Debug("PostgresStore UpdateUserState succeeded", "id", id, "state", state)
	return nil
}

func (s *PostgresStore) AddMessage(userID string, role models.Role, text string) (*models.Message, error) {
	m := models.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, user_id, role, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.UserID, m.Role, m.Text, m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to insert message for %s: %w", userID, err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMessages(userID string, q MessageQuery) ([]models.Message, error) {
	query := `SELECT id, user_id, role, text, created_at FROM messages WHERE user_id = $1`
	args := []interface{}{userID}
	if !q.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, len(args)+1)
		args = append(args, q.Since)
	}
	if q.Desc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "userID", userID)
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
	return messages, nil
}

func (s *PostgresStore) AddSummary(userID, text string) (*models.Summary, error) {
	sum := models.Summary{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO summaries (id, user_id, text, created_at) VALUES ($1, $2, $3, $4)`,
		sum.ID, sum.UserID, sum.Text, sum.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddSummary failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to insert summary for %s: %w", userID, err)
	}
	return &sum, nil
}

func (s *PostgresStore) GetSummaries(userID string, q SummaryQuery) ([]models.Summary, error) {
	query := `SELECT id, user_id, text, created_at FROM summaries WHERE user_id = $1`
	args := []interface{}{userID}
	if q.Desc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetSummaries query failed", "error", err, "userID", userID)
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

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL connection pool")
	return s.db.Close()
}
