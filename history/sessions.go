package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/darkhz/bluedfu/api/dfu"
)

// The results of a finished session.
const (
	ResultCompleted = "completed"
	ResultAborted   = "aborted"
	ResultFailed    = "failed"
)

// Session describes a recorded update session.
type Session struct {
	ID         string
	Device     dfu.TargetDevice
	Firmware   dfu.FirmwarePackage
	Options    dfu.TransferOptions
	StartedAt  time.Time
	FinishedAt time.Time

	// Result is empty if the session has not finished.
	Result        string
	ResultCode    string
	ResultMessage string
}

// sessionOptions describes the stored transfer options.
type sessionOptions struct {
	PacketsReceiptNotification bool  `json:"packets_receipt"`
	NumberOfPackets            int   `json:"number_of_packets"`
	KeepBondInformation        bool  `json:"keep_bond"`
	ExternalMcuDfu             bool  `json:"external_mcu"`
	DisableResume              bool  `json:"disable_resume"`
	PrepareDataObjectDelayMs   int64 `json:"prepare_data_object_delay"`
	RebootTimeMs               int64 `json:"reboot_time"`
	ScanTimeoutMs              int64 `json:"scan_timeout"`
	ForceScanningInLegacyDfu   bool  `json:"force_scanning_address"`
}

// StartSession records the start of a session.
func (s *Store) StartSession(session Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}

	o := session.Options
	options, err := json.Marshal(sessionOptions{
		PacketsReceiptNotification: o.PacketsReceiptNotification,
		NumberOfPackets:            o.NumberOfPackets,
		KeepBondInformation:        o.KeepBondInformation,
		ExternalMcuDfu:             o.ExternalMcuDfu,
		DisableResume:              o.DisableResume,
		PrepareDataObjectDelayMs:   o.PrepareDataObjectDelay.Milliseconds(),
		RebootTimeMs:               o.RebootTime.Milliseconds(),
		ScanTimeoutMs:              o.ScanTimeout.Milliseconds(),
		ForceScanningInLegacyDfu:   o.ForceScanningInLegacyDfu,
	})
	if err != nil {
		return historyError(err, "history-session-start", "Cannot record the session")
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (
			session_id,
			device_address,
			device_name,
			firmware_name,
			firmware_handle,
			firmware_size,
			options,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Device.Address,
		session.Device.DisplayName,
		session.Firmware.DisplayName,
		session.Firmware.Handle,
		int64(session.Firmware.SizeBytes),
		string(options),
		session.StartedAt.UnixMilli(),
	)
	if err != nil {
		return historyError(err, "history-session-start", "Cannot record the session")
	}

	return nil
}

// FinishSession records the result of a session.
func (s *Store) FinishSession(sessionID, result, code, message string, finishedAt time.Time) error {
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	res, err := s.db.Exec(
		`UPDATE sessions
		SET finished_at = ?, result = ?, result_code = ?, result_message = ?
		WHERE session_id = ?`,
		finishedAt.UnixMilli(),
		result,
		code,
		message,
		sessionID,
	)
	if err != nil {
		return historyError(err, "history-session-finish", "Cannot record the session result")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return historyError(sql.ErrNoRows, "history-session-finish", "No such session")
	}

	return nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}

	rows, err := s.db.Query(
		`SELECT
			session_id, device_address, device_name,
			firmware_name, firmware_handle, firmware_size,
			options, started_at, finished_at,
			result, result_code, result_message
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, historyError(err, "history-sessions", "Cannot read the history")
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			session    Session
			size       int64
			options    string
			startedAt  int64
			finishedAt sql.NullInt64
			result     sql.NullString
		)

		if err := rows.Scan(
			&session.ID, &session.Device.Address, &session.Device.DisplayName,
			&session.Firmware.DisplayName, &session.Firmware.Handle, &size,
			&options, &startedAt, &finishedAt,
			&result, &session.ResultCode, &session.ResultMessage,
		); err != nil {
			return nil, historyError(err, "history-sessions", "Cannot read the history")
		}

		var o sessionOptions
		if err := json.Unmarshal([]byte(options), &o); err != nil {
			return nil, historyError(err, "history-sessions", "Cannot read the history")
		}

		session.Firmware.SizeBytes = uint64(size)
		session.Options = dfu.TransferOptions{
			PacketsReceiptNotification: o.PacketsReceiptNotification,
			NumberOfPackets:            o.NumberOfPackets,
			KeepBondInformation:        o.KeepBondInformation,
			ExternalMcuDfu:             o.ExternalMcuDfu,
			DisableResume:              o.DisableResume,
			PrepareDataObjectDelay:     time.Duration(o.PrepareDataObjectDelayMs) * time.Millisecond,
			RebootTime:                 time.Duration(o.RebootTimeMs) * time.Millisecond,
			ScanTimeout:                time.Duration(o.ScanTimeoutMs) * time.Millisecond,
			ForceScanningInLegacyDfu:   o.ForceScanningInLegacyDfu,
		}
		session.StartedAt = time.UnixMilli(startedAt)
		if finishedAt.Valid {
			session.FinishedAt = time.UnixMilli(finishedAt.Int64)
		}
		session.Result = result.String

		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, historyError(err, "history-sessions", "Cannot read the history")
	}

	return sessions, nil
}
