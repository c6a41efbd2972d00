package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType describes the type of a history event.
type EventType string

// The different event types.
const (
	EventAppOpen             EventType = "app_open"
	EventFileSelected        EventType = "file_selected"
	EventInstallationStarted EventType = "installation_started"
	EventDeepLinkHandled     EventType = "handle_deep_link_event"
	EventSettingsReset       EventType = "settings_reset"
	EventSuccessResult       EventType = "dfu_success_result"
	EventAbortedResult       EventType = "dfu_aborted_result"
	EventErrorResult         EventType = "dfu_error_result"
)

// The events which are recorded when a setting is changed.
const (
	EventPacketsReceiptChanged EventType = "packets_receipt_change_event"
	EventNumberOfPackets       EventType = "number_of_packets_event"
	EventPrepareDelay          EventType = "prepare_data_object_delay_event"
	EventRebootTime            EventType = "reboot_time_event"
	EventScanTimeout           EventType = "scan_timeout_event"
	EventKeepBond              EventType = "keep_bond_event"
	EventExternalMcu           EventType = "external_mcu_event"
	EventDisableResume         EventType = "disable_resume_event"
	EventForceScanning         EventType = "force_scanning_event"
)

const (
	defaultEventsLimit        = 100
	defaultEventDetailsObject = "{}"
)

// Event describes a recorded event.
type Event struct {
	ID        string
	SessionID string
	Type      EventType
	Details   map[string]any
	Timestamp time.Time
}

// EventFilter filters the events which are returned.
type EventFilter struct {
	Type      EventType
	SessionID string
	Limit     int
}

// LogEvent records an event. The event ID and timestamp are generated if
// they are not set.
func (s *Store) LogEvent(event Event) (Event, error) {
	if strings.TrimSpace(string(event.Type)) == "" {
		return event, historyError(errors.New("event type is required"), "history-log", "Cannot record the event")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	details := defaultEventDetailsObject
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return event, historyError(err, "history-log", "Cannot record the event")
		}

		details = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO events (
			event_id,
			session_id,
			event_type,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		nullString(event.SessionID),
		string(event.Type),
		details,
		event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return event, historyError(err, "history-log", "Cannot record the event")
	}

	return event, nil
}

// Events returns the most recent events, newest first.
func (s *Store) Events(filter EventFilter) ([]Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEventsLimit
	}

	var (
		clauses []string
		args    []any
	)
	if filter.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	query := `SELECT event_id, session_id, event_type, details, timestamp FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, historyError(err, "history-events", "Cannot read the history")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			sessionID sql.NullString
			eventType string
			details   string
			timestamp int64
		)
		if err := rows.Scan(&event.ID, &sessionID, &eventType, &details, &timestamp); err != nil {
			return nil, historyError(err, "history-events", "Cannot read the history")
		}

		event.SessionID = sessionID.String
		event.Type = EventType(eventType)
		event.Timestamp = time.UnixMilli(timestamp)
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, historyError(err, "history-events", "Cannot read the history")
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, historyError(err, "history-events", "Cannot read the history")
	}

	return events, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
