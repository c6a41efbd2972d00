package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// The engines which can perform a transfer.
const (
	EngineProcess   = "process"
	EngineSimulated = "simulated"
)

// Values describes the possible configuration values that a user can
// modify and supply to the application.
type Values struct {
	LogLevel      string `koanf:"log-level"`
	LogFile       string `koanf:"log-file"`
	Engine        string `koanf:"engine"`
	EngineCommand string `koanf:"engine-command"`
	DownloadDir   string `koanf:"download-dir"`
	HistoryDB     string `koanf:"history-db"`
	NoHistory     bool   `koanf:"no-history"`
	ClearDevice   bool   `koanf:"clear-device-on-file-select"`
	DeviceAddr    string `koanf:"device"`
	NoWarning     bool   `koanf:"no-warning"`
	NoProgress    bool   `koanf:"no-progress"`

	Level        logrus.Level
	EngineArgs   []string
	TargetDevice bluetooth.MAC
}

// validateValues validates all configuration values.
func (v *Values) validateValues(configDir string) error {
	for _, validate := range []func() error{
		v.validateLogLevel,
		v.validateEngine,
		v.validateDevice,
		func() error { return v.validateDownloadDir(configDir) },
		func() error { return v.validateHistoryDB(configDir) },
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// validateLogLevel validates the log level.
func (v *Values) validateLogLevel() error {
	if v.LogLevel == "" {
		v.LogLevel = logrus.WarnLevel.String()
	}

	level, err := logrus.ParseLevel(v.LogLevel)
	if err != nil {
		return fmt.Errorf("%s: invalid log level", v.LogLevel)
	}

	v.Level = level

	return nil
}

// validateEngine validates the transfer engine and its command.
// The process engine requires a command, which is split into the
// executable and its arguments.
func (v *Values) validateEngine() error {
	if v.Engine == "" {
		v.Engine = EngineProcess
		if v.EngineCommand == "" {
			v.Engine = EngineSimulated
		}
	}

	switch v.Engine {
	case EngineSimulated:
		return nil

	case EngineProcess:
		v.EngineArgs = strings.Fields(v.EngineCommand)
		if len(v.EngineArgs) == 0 {
			return fmt.Errorf("specify an engine command for the %s engine", EngineProcess)
		}

	default:
		return fmt.Errorf(
			"provided engine '%s' is incorrect.\nValid engines are '%s'",
			v.Engine, strings.Join([]string{EngineProcess, EngineSimulated}, ", "),
		)
	}

	return nil
}

// validateDevice validates the address of the device to update.
func (v *Values) validateDevice() error {
	if v.DeviceAddr == "" {
		return nil
	}

	v.DeviceAddr = strings.ToUpper(strings.TrimSpace(v.DeviceAddr))

	mac, err := bluetooth.ParseMAC(v.DeviceAddr)
	if err != nil {
		return fmt.Errorf("invalid address format: %s", v.DeviceAddr)
	}

	v.TargetDevice = mac

	return nil
}

// validateDownloadDir validates the directory where firmware files
// from deep links are downloaded to, and creates it if required.
func (v *Values) validateDownloadDir(configDir string) error {
	if v.DownloadDir == "" {
		v.DownloadDir = filepath.Join(configDir, "downloads")
	}

	if err := os.MkdirAll(v.DownloadDir, os.ModePerm); err != nil {
		return fmt.Errorf("%s: Directory is not accessible", v.DownloadDir)
	}

	if statpath, err := os.Stat(v.DownloadDir); err != nil || !statpath.IsDir() {
		return fmt.Errorf("%s: Directory is not accessible", v.DownloadDir)
	}

	return nil
}

// validateHistoryDB validates the path to the update history database.
func (v *Values) validateHistoryDB(configDir string) error {
	if v.NoHistory {
		return nil
	}

	if v.HistoryDB == "" {
		v.HistoryDB = filepath.Join(configDir, "history.db")
	}

	dir := filepath.Dir(v.HistoryDB)
	if statpath, err := os.Stat(dir); err != nil || !statpath.IsDir() {
		return fmt.Errorf("%s: Directory is not accessible", dir)
	}

	return nil
}
