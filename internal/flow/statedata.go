// Package flow implements the conversation core: the dialogue state machine,
// the input validation gate, the summary compactor, and the per-message
// orchestrator.
package flow

import (
	"strconv"
	"time"

	"github.com/TheodoreChuang/habita/internal/models"
)

// Typed accessors over the schema-on-read state data bag. Each state handler
// only touches the keys it owns; values are stored as strings and interpreted
// on read.

// DataString returns the string value for key, or "" when unset.
func DataString(d models.StateData, key models.DataKey) string {
	return d[string(key)]
}

// SetDataString sets the string value for key.
func SetDataString(d models.StateData, key models.DataKey, value string) {
	d[string(key)] = value
}

// DataBool returns the boolean value for key; anything but "true" reads false.
func DataBool(d models.StateData, key models.DataKey) bool {
	return d[string(key)] == "true"
}

// SetDataBool sets the boolean value for key.
func SetDataBool(d models.StateData, key models.DataKey, value bool) {
	d[string(key)] = strconv.FormatBool(value)
}

// DataInt returns the integer value for key; unset or unparsable reads 0.
func DataInt(d models.StateData, key models.DataKey) int {
	n, err := strconv.Atoi(d[string(key)])
	if err != nil {
		return 0
	}
	return n
}

// SetDataInt sets the integer value for key.
func SetDataInt(d models.StateData, key models.DataKey, value int) {
	d[string(key)] = strconv.Itoa(value)
}

// DataTime returns the RFC3339 time value for key; unset or unparsable reads
// the zero time.
func DataTime(d models.StateData, key models.DataKey) time.Time {
	t, err := time.Parse(time.RFC3339, d[string(key)])
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetDataTime sets the RFC3339 time value for key.
func SetDataTime(d models.StateData, key models.DataKey, value time.Time) {
	d[string(key)] = value.Format(time.RFC3339)
}
