// Package scanner discovers Bluetooth Low Energy devices which can be
// selected as firmware update targets.
package scanner

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/errorkinds"
)

// DefaultTimeout is the default duration of a scan.
const DefaultTimeout = 5 * time.Second

// Result describes a discovered device.
type Result struct {
	Device dfu.TargetDevice
	RSSI   int16
}

// ScanFunc scans for devices until the context is done, or until found
// returns false.
type ScanFunc func(ctx context.Context, found func(Result) bool) error

// Scanner discovers devices.
type Scanner struct {
	scan ScanFunc
	log  logrus.FieldLogger
}

// Option is a functional option for configuring the Scanner.
type Option func(*Scanner)

// WithScanFunc sets the function which performs the scan.
func WithScanFunc(scan ScanFunc) Option {
	return func(s *Scanner) {
		if scan != nil {
			s.scan = scan
		}
	}
}

// WithLogger sets the logger of the scanner.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Scanner) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a new scanner, which uses the default Bluetooth adapter.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		scan: adapterScan(bluetooth.DefaultAdapter),
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Discover scans for the provided duration, and returns all discovered devices
// ordered by their signal strength.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]Result)
	)

	err := s.scan(ctx, func(r Result) bool {
		mu.Lock()
		defer mu.Unlock()

		existing, ok := results[r.Device.Address]
		if ok && r.Device.DisplayName == "" {
			r.Device.DisplayName = existing.Device.DisplayName
		}
		results[r.Device.Address] = r

		if !ok {
			s.log.WithFields(logrus.Fields{
				"address": r.Device.Address,
				"name":    r.Device.DisplayName,
				"rssi":    r.RSSI,
			}).Debug("discovered device")
		}

		return true
	})
	if err != nil {
		return nil, scanError(err)
	}

	mu.Lock()
	defer mu.Unlock()

	devices := make([]Result, 0, len(results))
	for _, r := range results {
		devices = append(devices, r)
	}
	slices.SortFunc(devices, func(a, b Result) int {
		if c := cmp.Compare(b.RSSI, a.RSSI); c != 0 {
			return c
		}

		return strings.Compare(a.Device.Address, b.Device.Address)
	})

	return devices, nil
}

// Find scans until a device matching the address or name is found.
// The name is matched case-insensitively.
func (s *Scanner) Find(ctx context.Context, timeout time.Duration, addressOrName string) (dfu.TargetDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	address, addrErr := ParseAddress(addressOrName)

	var (
		mu     sync.Mutex
		device dfu.TargetDevice
	)

	err := s.scan(ctx, func(r Result) bool {
		matched := (addrErr == nil && strings.EqualFold(r.Device.Address, address)) ||
			(r.Device.DisplayName != "" && strings.EqualFold(r.Device.DisplayName, addressOrName))
		if !matched {
			return true
		}

		mu.Lock()
		device = r.Device
		mu.Unlock()

		return false
	})
	if err != nil {
		return dfu.TargetDevice{}, scanError(err)
	}

	mu.Lock()
	defer mu.Unlock()

	if device.IsNil() {
		return dfu.TargetDevice{}, fault.Wrap(errorkinds.ErrScan,
			fctx.With(context.Background(), "error_at", "scan-find", "device", addressOrName),
			ftag.With(ftag.NotFound),
			fmsg.With(fmt.Sprintf("No device named or with address %s was found", addressOrName)),
		)
	}

	return device, nil
}

// ParseAddress validates and normalizes a device address.
// The address is accepted in either case.
func ParseAddress(address string) (string, error) {
	mac, err := bluetooth.ParseMAC(strings.ToUpper(strings.TrimSpace(address)))
	if err != nil {
		return "", fmt.Errorf("invalid address format: %s", address)
	}

	return mac.String(), nil
}

// adapterScan returns a scan function which uses the provided adapter.
func adapterScan(adapter *bluetooth.Adapter) ScanFunc {
	return func(ctx context.Context, found func(Result) bool) error {
		if err := adapter.Enable(); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return nil
		}

		stop := context.AfterFunc(ctx, func() {
			adapter.StopScan()
		})
		defer stop()

		return adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			r := Result{
				Device: dfu.TargetDevice{
					Address:     result.Address.String(),
					DisplayName: result.LocalName(),
				},
				RSSI: result.RSSI,
			}

			if !found(r) {
				a.StopScan()
			}
		})
	}
}

func scanError(err error) error {
	return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrScan, err),
		fctx.With(context.Background(), "error_at", "scan"),
		ftag.With(ftag.Internal),
		fmsg.With("Cannot scan for devices"),
	)
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}

	return timeout
}
