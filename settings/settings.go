// Package settings persists the transfer options and the application
// preferences of the user.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/errorkinds"
)

// FileName is the name of the settings file.
const FileName = "settings.conf"

// The keys of each setting within the settings file.
const (
	KeyPacketsReceipt  = "packets_receipt"
	KeyNumberOfPackets = "number_of_packets"
	KeyKeepBond        = "keep_bond"
	KeyExternalMcu     = "external_mcu"
	KeyDisableResume   = "disable_resume"
	KeyPrepareDelay    = "prepare_data_object_delay"
	KeyRebootTime      = "reboot_time"
	KeyScanTimeout     = "scan_timeout"
	KeyForceScanning   = "force_scanning_address"
	KeyShowWelcome     = "show_welcome"
)

// Settings describes the persisted settings.
type Settings struct {
	Options     dfu.TransferOptions
	ShowWelcome bool
}

// Store describes a settings store, which is backed by a file.
type Store struct {
	path string
	mu   sync.Mutex
}

// values describes the settings as they are stored.
// Durations are stored in milliseconds.
type values struct {
	PacketsReceipt  bool  `koanf:"packets_receipt"`
	NumberOfPackets int   `koanf:"number_of_packets"`
	KeepBond        bool  `koanf:"keep_bond"`
	ExternalMcu     bool  `koanf:"external_mcu"`
	DisableResume   bool  `koanf:"disable_resume"`
	PrepareDelay    int64 `koanf:"prepare_data_object_delay"`
	RebootTime      int64 `koanf:"reboot_time"`
	ScanTimeout     int64 `koanf:"scan_timeout"`
	ForceScanning   bool  `koanf:"force_scanning_address"`
	ShowWelcome     bool  `koanf:"show_welcome"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Options:     dfu.DefaultTransferOptions(),
		ShowWelcome: true,
	}
}

// Value returns the stored value of a setting. Durations are returned
// in milliseconds. It returns nil for unknown keys.
func (s Settings) Value(key string) any {
	return fromSettings(s).koanf().Get(key)
}

// NewStore returns a new settings store which is backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Open returns a new settings store within the provided directory.
func Open(dir string) *Store {
	return NewStore(filepath.Join(dir, FileName))
}

// Path returns the path to the settings file.
func (s *Store) Path() string {
	return s.path
}

// Keys returns all setting keys.
func Keys() []string {
	return []string{
		KeyPacketsReceipt, KeyNumberOfPackets, KeyKeepBond,
		KeyExternalMcu, KeyDisableResume, KeyPrepareDelay,
		KeyRebootTime, KeyScanTimeout, KeyForceScanning,
		KeyShowWelcome,
	}
}

// Load loads the settings. If the settings file does not exist,
// the default settings are returned.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.load()
	if err != nil {
		return Default(), err
	}

	return s.unmarshal(k)
}

// Save stores the settings.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(fromSettings(settings).koanf())
}

// Set parses and stores a single setting, and returns the updated settings.
// Durations can be specified either in milliseconds, or with a unit (for example, "2s").
func (s *Store) Set(key, value string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(Keys(), key) {
		return Settings{}, s.saveError(fmt.Errorf("unknown setting %q", key), "set")
	}

	k, err := s.load()
	if err != nil {
		return Settings{}, err
	}

	current, err := s.unmarshal(k)
	if err != nil {
		return Settings{}, err
	}

	k = fromSettings(current).koanf()

	parsed, err := parseValue(key, value)
	if err != nil {
		return Settings{}, s.saveError(err, "set")
	}
	if err := k.Set(key, parsed); err != nil {
		return Settings{}, s.saveError(err, "set")
	}

	updated, err := s.unmarshal(k)
	if err != nil {
		return Settings{}, err
	}

	return updated, s.save(fromSettings(updated).koanf())
}

// Reset restores and stores the default settings.
func (s *Store) Reset() (Settings, error) {
	settings := Default()

	return settings, s.Save(settings)
}

// TickWelcomeShown marks the welcome screen as shown, so that it is
// not shown again.
func (s *Store) TickWelcomeShown() error {
	settings, err := s.Load()
	if err != nil {
		return err
	}
	if !settings.ShowWelcome {
		return nil
	}

	settings.ShowWelcome = false

	return s.Save(settings)
}

// load reads the settings file into a koanf instance.
func (s *Store) load() (*koanf.Koanf, error) {
	k := koanf.New(".")

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return k, nil
	}

	if err := k.Load(file.Provider(s.path), hjson.Parser()); err != nil {
		return nil, fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrSettingsLoad, err),
			fctx.With(context.Background(), "error_at", "settings-load", "path", s.path),
			ftag.With(ftag.Internal),
			fmsg.With("The settings could not be read"),
		)
	}

	return k, nil
}

// unmarshal merges the loaded settings with the default settings.
func (s *Store) unmarshal(k *koanf.Koanf) (Settings, error) {
	v := fromSettings(Default())
	if err := k.UnmarshalWithConf("", &v, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Default(), fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrSettingsLoad, err),
			fctx.With(context.Background(), "error_at", "settings-unmarshal", "path", s.path),
			ftag.With(ftag.Internal),
			fmsg.With("The settings are invalid"),
		)
	}

	return v.settings(), nil
}

// save writes the settings to the settings file.
func (s *Store) save(k *koanf.Koanf) error {
	data, err := hjson.Parser().Marshal(k.All())
	if err != nil {
		return s.saveError(err, "settings-marshal")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), os.ModePerm); err != nil {
		return s.saveError(err, "settings-mkdir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".*")
	if err != nil {
		return s.saveError(err, "settings-create")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return s.saveError(err, "settings-write")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return s.saveError(err, "settings-sync")
	}

	if err := tmp.Close(); err != nil {
		return s.saveError(err, "settings-close")
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return s.saveError(err, "settings-rename")
	}

	return nil
}

func (s *Store) saveError(err error, at string) error {
	return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrSettingsSave, err),
		fctx.With(context.Background(), "error_at", at, "path", s.path),
		ftag.With(ftag.Internal),
		fmsg.With("The settings could not be saved"),
	)
}

func fromSettings(s Settings) values {
	o := s.Options

	return values{
		PacketsReceipt:  o.PacketsReceiptNotification,
		NumberOfPackets: o.NumberOfPackets,
		KeepBond:        o.KeepBondInformation,
		ExternalMcu:     o.ExternalMcuDfu,
		DisableResume:   o.DisableResume,
		PrepareDelay:    o.PrepareDataObjectDelay.Milliseconds(),
		RebootTime:      o.RebootTime.Milliseconds(),
		ScanTimeout:     o.ScanTimeout.Milliseconds(),
		ForceScanning:   o.ForceScanningInLegacyDfu,
		ShowWelcome:     s.ShowWelcome,
	}
}

func (v values) settings() Settings {
	if v.NumberOfPackets < 1 {
		v.NumberOfPackets = dfu.DefaultNumberOfPackets
	}

	return Settings{
		Options: dfu.TransferOptions{
			PacketsReceiptNotification: v.PacketsReceipt,
			NumberOfPackets:            v.NumberOfPackets,
			KeepBondInformation:        v.KeepBond,
			ExternalMcuDfu:             v.ExternalMcu,
			DisableResume:              v.DisableResume,
			PrepareDataObjectDelay:     milliseconds(v.PrepareDelay),
			RebootTime:                 milliseconds(v.RebootTime),
			ScanTimeout:                milliseconds(v.ScanTimeout),
			ForceScanningInLegacyDfu:   v.ForceScanning,
		},
		ShowWelcome: v.ShowWelcome,
	}
}

func (v values) koanf() *koanf.Koanf {
	k := koanf.New(".")
	for key, value := range map[string]any{
		KeyPacketsReceipt:  v.PacketsReceipt,
		KeyNumberOfPackets: v.NumberOfPackets,
		KeyKeepBond:        v.KeepBond,
		KeyExternalMcu:     v.ExternalMcu,
		KeyDisableResume:   v.DisableResume,
		KeyPrepareDelay:    v.PrepareDelay,
		KeyRebootTime:      v.RebootTime,
		KeyScanTimeout:     v.ScanTimeout,
		KeyForceScanning:   v.ForceScanning,
		KeyShowWelcome:     v.ShowWelcome,
	} {
		k.Set(key, value)
	}

	return k
}

// parseValue parses the value of a setting according to its type.
func parseValue(key, value string) (any, error) {
	switch key {
	case KeyNumberOfPackets:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%s: %q is not a positive number", key, value)
		}

		return n, nil

	case KeyPrepareDelay, KeyRebootTime, KeyScanTimeout:
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
			return ms, nil
		}

		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%s: %q is not a valid duration", key, value)
		}

		return d.Milliseconds(), nil
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a boolean", key, value)
	}

	return b, nil
}

func milliseconds(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}
