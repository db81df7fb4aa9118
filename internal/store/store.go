// Package store provides storage backends for Habita.
//
// It defines the Store interface consumed by the conversation core and ships
// SQLite (default), PostgreSQL, and in-memory implementations.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/util"
	"github.com/google/uuid"
)

// MessageQuery narrows a message log read.
type MessageQuery struct {
	Limit int       // 0 means no limit
	Since time.Time // zero means all time; matches strictly newer messages
	Desc  bool      // newest first when true, oldest first otherwise
}

// SummaryQuery narrows a summary log read.
type SummaryQuery struct {
	Limit int  // 0 means no limit
	Desc  bool // newest first when true
}

// Store is the persistence interface consumed by the conversation core.
//
// Lookups that find nothing return (nil, nil). Messages and summaries are
// append-only; the user row is the only mutable record.
type Store interface {
	GetUser(id string) (*models.User, error)
	GetUserByPhone(phoneNumber string) (*models.User, error)
	ListUsers() ([]models.User, error)
	// UpsertUser creates the user on first contact or refreshes chat
	// destination and name on later contacts. New users start in discovery
	// with an empty data bag.
	UpsertUser(phoneNumber, chatID, name string) (*models.User, error)
	// UpdateUserState persists state and state data as one update.
	UpdateUserState(id string, state models.DialogueState, data models.StateData) error
	AddMessage(userID string, role models.Role, text string) (*models.Message, error)
	GetMessages(userID string, q MessageQuery) ([]models.Message, error)
	AddSummary(userID, text string) (*models.Summary, error)
	GetSummaries(userID string, q SummaryQuery) ([]models.Summary, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a Store kept entirely in process memory, used by tests and
// as a fallback when no DSN is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*models.User // keyed by internal id
	messages  map[string][]models.Message
	summaries map[string][]models.Summary
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]*models.User),
		messages:  make(map[string][]models.Message),
		summaries: make(map[string][]models.Summary),
	}
}

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	cp.StateData = u.StateData.Clone()
	return &cp, nil
}

func (s *InMemoryStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.PhoneNumber == phoneNumber {
			cp := *u
			cp.StateData = u.StateData.Clone()
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		cp.StateData = u.StateData.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpsertUser(phoneNumber, chatID, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, u := range s.users {
		if u.PhoneNumber == phoneNumber {
			u.ChatID = chatID
			if name != "" {
				u.Name = name
			}
			u.UpdatedAt = now
			cp := *u
			cp.StateData = u.StateData.Clone()
			return &cp, nil
		}
	}
	u := &models.User{
		ID:          util.GenerateUserID(),
		PhoneNumber: phoneNumber,
		ChatID:      chatID,
		Name:        name,
		State:       models.StateDiscovery,
		StateData:   models.StateData{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[u.ID] = u
	cp := *u
	cp.StateData = u.StateData.Clone()
	return &cp, nil
}

func (s *InMemoryStore) UpdateUserState(id string, state models.DialogueState, data models.StateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrUserNotFound
	}
	u.State = state
	u.StateData = data.Clone()
	u.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) AddMessage(userID string, role models.Role, text string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := models.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.messages[userID] = append(s.messages[userID], m)
	return &m, nil
}

func (s *InMemoryStore) GetMessages(userID string, q MessageQuery) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages[userID] {
		if !q.Since.IsZero() && !m.CreatedAt.After(q.Since) {
			continue
		}
		out = append(out, m)
	}
	if q.Desc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) AddSummary(userID, text string) (*models.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := models.Summary{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.summaries[userID] = append(s.summaries[userID], sum)
	return &sum, nil
}

func (s *InMemoryStore) GetSummaries(userID string, q SummaryQuery) ([]models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Summary(nil), s.summaries[userID]...)
	if q.Desc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
