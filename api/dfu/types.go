package dfu

import (
	"strconv"
	"time"
)

// DefaultNumberOfPackets is the default packet receipt notification interval.
const DefaultNumberOfPackets = 12

// FirmwarePackage describes a validated firmware file.
type FirmwarePackage struct {
	// Handle is the reference used by the transfer engine to read the file.
	Handle string `json:"handle,omitempty"`

	// DisplayName is the user-visible name of the file.
	DisplayName string `json:"display_name,omitempty"`

	// SizeBytes is the size of the file in bytes.
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}

// IsNil returns whether the firmware package is unset.
func (f FirmwarePackage) IsNil() bool {
	return f.Handle == ""
}

// TargetDevice describes the peripheral that should be updated.
type TargetDevice struct {
	// Address is the unique transport address of the device.
	Address string `json:"address,omitempty"`

	// DisplayName is the advertised name of the device, if any.
	DisplayName string `json:"display_name,omitempty"`
}

// IsNil returns whether the device is unset.
func (t TargetDevice) IsNil() bool {
	return t.Address == ""
}

// String returns a printable representation of the device.
func (t TargetDevice) String() string {
	if t.DisplayName == "" {
		return t.Address
	}

	return t.DisplayName + " (" + t.Address + ")"
}

// TransferOptions holds a snapshot of the user-configurable transfer options.
// It is passed as-is to the transfer engine and is never modified after
// a session has started.
type TransferOptions struct {
	PacketsReceiptNotification bool
	NumberOfPackets            int
	KeepBondInformation        bool
	ExternalMcuDfu             bool
	DisableResume              bool
	PrepareDataObjectDelay     time.Duration
	RebootTime                 time.Duration
	ScanTimeout                time.Duration
	ForceScanningInLegacyDfu   bool
}

// DefaultTransferOptions returns the default transfer options.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		NumberOfPackets:        DefaultNumberOfPackets,
		PrepareDataObjectDelay: 400 * time.Millisecond,
		ScanTimeout:            2 * time.Second,
	}
}

// Args returns the options as a list of command-line arguments,
// as consumed by external transfer helpers.
func (o TransferOptions) Args() []string {
	args := []string{
		"--prn=" + strconv.FormatBool(o.PacketsReceiptNotification),
		"--prn-count=" + strconv.Itoa(o.NumberOfPackets),
		"--keep-bond=" + strconv.FormatBool(o.KeepBondInformation),
		"--external-mcu=" + strconv.FormatBool(o.ExternalMcuDfu),
		"--disable-resume=" + strconv.FormatBool(o.DisableResume),
		"--prepare-delay=" + strconv.FormatInt(o.PrepareDataObjectDelay.Milliseconds(), 10),
		"--reboot-time=" + strconv.FormatInt(o.RebootTime.Milliseconds(), 10),
		"--scan-timeout=" + strconv.FormatInt(o.ScanTimeout.Milliseconds(), 10),
		"--force-scanning=" + strconv.FormatBool(o.ForceScanningInLegacyDfu),
	}

	return args
}
