package history

import (
	"github.com/sirupsen/logrus"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/settings"
)

// settingEvents maps each setting to the event which records its change.
var settingEvents = map[string]EventType{
	settings.KeyPacketsReceipt:  EventPacketsReceiptChanged,
	settings.KeyNumberOfPackets: EventNumberOfPackets,
	settings.KeyPrepareDelay:    EventPrepareDelay,
	settings.KeyRebootTime:      EventRebootTime,
	settings.KeyScanTimeout:     EventScanTimeout,
	settings.KeyKeepBond:        EventKeepBond,
	settings.KeyExternalMcu:     EventExternalMcu,
	settings.KeyDisableResume:   EventDisableResume,
	settings.KeyForceScanning:   EventForceScanning,
}

// Recorder records the actions of the application into the store.
// Errors are logged, since recording must not interfere with an update.
type Recorder struct {
	store *Store
	log   logrus.FieldLogger
}

// NewRecorder returns a new recorder.
func NewRecorder(store *Store, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Recorder{store: store, log: log}
}

// AppOpened records the launch of the application.
func (r *Recorder) AppOpened() {
	r.logEvent(Event{Type: EventAppOpen})
}

// FileSelected records the selection of a firmware file.
func (r *Recorder) FileSelected(firmware dfu.FirmwarePackage) {
	r.logEvent(Event{
		Type: EventFileSelected,
		Details: map[string]any{
			"name":          firmware.DisplayName,
			"size_in_bytes": firmware.SizeBytes,
		},
	})
}

// TransferStarted records the start of a session.
func (r *Recorder) TransferStarted(sessionID string, device dfu.TargetDevice, firmware dfu.FirmwarePackage, options dfu.TransferOptions) {
	if err := r.store.StartSession(Session{
		ID:       sessionID,
		Device:   device,
		Firmware: firmware,
		Options:  options,
	}); err != nil {
		r.log.WithError(err).Warn("session could not be recorded")
		return
	}

	r.logEvent(Event{SessionID: sessionID, Type: EventInstallationStarted})
}

// TransferFinished records the result of a session.
func (r *Recorder) TransferFinished(sessionID string, result dfu.SessionState) {
	var (
		event  = Event{SessionID: sessionID}
		res    string
		code   string
		reason string
	)

	switch state := result.(type) {
	case dfu.Completed:
		event.Type, res = EventSuccessResult, ResultCompleted

	case dfu.Aborted:
		event.Type, res = EventAbortedResult, ResultAborted

	case dfu.Failed:
		event.Type, res = EventErrorResult, ResultFailed
		code, reason = state.Code.String(), state.Message
		event.Details = map[string]any{
			"message": state.Message,
			"code":    code,
		}

	default:
		return
	}

	if err := r.store.FinishSession(sessionID, res, code, reason, event.Timestamp); err != nil {
		r.log.WithError(err).Warn("session result could not be recorded")
	}

	r.logEvent(event)
}

// DeepLinkHandled records the handling of a deep link.
func (r *Recorder) DeepLinkHandled(link string) {
	r.logEvent(Event{
		Type:    EventDeepLinkHandled,
		Details: map[string]any{"link": link},
	})
}

// SettingsReset records the reset of the settings.
func (r *Recorder) SettingsReset() {
	r.logEvent(Event{Type: EventSettingsReset})
}

// SettingChanged records the change of a transfer setting. Switches are
// recorded as "is_enabled", and other settings as "value". Settings which
// are not transfer settings are not recorded.
func (r *Recorder) SettingChanged(key string, value any) {
	eventType, ok := settingEvents[key]
	if !ok {
		return
	}

	param := "value"
	if _, ok := value.(bool); ok {
		param = "is_enabled"
	}

	r.logEvent(Event{
		Type:    eventType,
		Details: map[string]any{param: value},
	})
}

func (r *Recorder) logEvent(event Event) {
	if _, err := r.store.LogEvent(event); err != nil {
		r.log.WithError(err).WithField("event", string(event.Type)).Warn("event could not be recorded")
	}
}
