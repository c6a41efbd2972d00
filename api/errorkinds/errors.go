package errorkinds

import (
	"errors"
	"fmt"
)

// The different general error types.
var (
	ErrFileUnreadable = errors.New("firmware file is unreadable")

	ErrNotReady           = errors.New("session is not ready")
	ErrSessionInProgress  = fmt.Errorf("%w: session in progress", ErrNotReady)
	ErrSessionNotTerminal = errors.New("session has not finished")
	ErrControllerClosed   = errors.New("controller is closed")

	ErrSettingsLoad = errors.New("cannot load settings")
	ErrSettingsSave = errors.New("cannot save settings")

	ErrDownloadInProgress = errors.New("a download is already in progress")
	ErrDownloadFailed     = errors.New("download has failed")

	ErrHistory = errors.New("cannot access update history")

	ErrScan = errors.New("cannot scan for devices")
)
