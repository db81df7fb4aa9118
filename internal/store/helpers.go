package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TheodoreChuang/habita/internal/models"
)

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans a full user row including the JSON state data bag.
func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var stateDataJSON string
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.ChatID, &u.Name, &u.State, &stateDataJSON, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.StateData = decodeStateData(stateDataJSON, u.ID)
	return &u, nil
}

// decodeStateData unmarshals the stored JSON bag. A corrupt bag degrades to an
// empty map rather than failing the read.
func decodeStateData(raw, userID string) models.StateData {
	data := models.StateData{}
	if raw == "" {
		return data
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		slog.Error("Store state data unmarshal failed", "error", err, "userID", userID)
		return models.StateData{}
	}
	return data
}

// encodeStateData marshals the bag for storage. An empty bag stores as "".
func encodeStateData(data models.StateData) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state data: %w", err)
	}
	return string(b), nil
}

// scanMessage scans one message row.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	return m, nil
}

// scanSummary scans one summary row.
func scanSummary(rows *sql.Rows) (models.Summary, error) {
	var s models.Summary
	if err := rows.Scan(&s.ID, &s.UserID, &s.Text, &s.CreatedAt); err != nil {
		return s, fmt.Errorf("scan summary failed: %w", err)
	}
	return s, nil
}
