package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/history"
	"github.com/darkhz/bluedfu/resolver"
	"github.com/darkhz/bluedfu/settings"
)

// errNoHistory is returned by the history commands when the history is disabled.
var errNoHistory = errors.New("the update history is disabled or not available")

// runScan lists the nearby devices.
func runScan(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	printInfo("Scanning for devices")

	results, err := svc.newScanner().Discover(cliCtx.Context, cliCtx.Duration("scan-timeout"))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		printWarn("No devices were found")
		return nil
	}

	w := tabwriter.NewWriter(cliCtx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\n", r.Device.Address, r.Device.DisplayName, r.RSSI)
	}

	return w.Flush()
}

// runSettingsShow prints the stored settings.
func runSettingsShow(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	current, err := svc.settings.Load()
	if err != nil {
		return err
	}

	return printSettings(cliCtx.App.Writer, current)
}

// runSettingsSet stores a single setting.
func runSettingsSet(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 2 {
		return fmt.Errorf("specify a setting and its value.\nValid settings are '%s'", strings.Join(settings.Keys(), ", "))
	}

	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	key := cliCtx.Args().Get(0)

	updated, err := svc.settings.Set(key, cliCtx.Args().Get(1))
	if err != nil {
		return err
	}
	if svc.recorder != nil {
		svc.recorder.SettingChanged(key, updated.Value(key))
	}

	return printSettings(cliCtx.App.Writer, updated)
}

// runSettingsReset restores the default settings.
func runSettingsReset(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	defaults, err := svc.settings.Reset()
	if err != nil {
		return err
	}
	if svc.recorder != nil {
		svc.recorder.SettingsReset()
	}

	printSuccess("The settings were reset")

	return printSettings(cliCtx.App.Writer, defaults)
}

// printSettings prints the settings, one setting per line.
func printSettings(out io.Writer, s settings.Settings) error {
	o := s.Options

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, row := range [][2]string{
		{settings.KeyPacketsReceipt, strconv.FormatBool(o.PacketsReceiptNotification)},
		{settings.KeyNumberOfPackets, strconv.Itoa(o.NumberOfPackets)},
		{settings.KeyKeepBond, strconv.FormatBool(o.KeepBondInformation)},
		{settings.KeyExternalMcu, strconv.FormatBool(o.ExternalMcuDfu)},
		{settings.KeyDisableResume, strconv.FormatBool(o.DisableResume)},
		{settings.KeyPrepareDelay, o.PrepareDataObjectDelay.String()},
		{settings.KeyRebootTime, o.RebootTime.String()},
		{settings.KeyScanTimeout, o.ScanTimeout.String()},
		{settings.KeyForceScanning, strconv.FormatBool(o.ForceScanningInLegacyDfu)},
		{settings.KeyShowWelcome, strconv.FormatBool(s.ShowWelcome)},
	} {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}

	return w.Flush()
}

// runHistorySessions lists the recorded update sessions.
func runHistorySessions(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.history == nil {
		return errNoHistory
	}

	sessions, err := svc.history.Sessions(cliCtx.Int("limit"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cliCtx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDEVICE\tFIRMWARE\tRESULT\tMESSAGE")
	for _, s := range sessions {
		result := s.Result
		if result == "" {
			result = "unfinished"
		}
		if s.ResultCode != "" {
			result += " (" + s.ResultCode + ")"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.StartedAt.Format(time.DateTime), s.Device, s.Firmware.DisplayName, result, s.ResultMessage,
		)
	}

	return w.Flush()
}

// runHistoryEvents lists the recorded events.
func runHistoryEvents(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.history == nil {
		return errNoHistory
	}

	events, err := svc.history.Events(history.EventFilter{
		Type:      history.EventType(cliCtx.String("type")),
		SessionID: cliCtx.String("session"),
		Limit:     cliCtx.Int("limit"),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cliCtx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tSESSION\tDETAILS")
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return err
			}

			details = string(data)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), e.Type, e.SessionID, details,
		)
	}

	return w.Flush()
}

// runHistoryClear deletes the recorded sessions and events.
func runHistoryClear(cliCtx *cli.Context) error {
	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.history == nil {
		return errNoHistory
	}

	if err := svc.history.Clear(); err != nil {
		return err
	}

	printSuccess("The update history was cleared")

	return nil
}

// linkSelector prints the firmware files which are selected from deep links.
type linkSelector struct {
	resolver *resolver.Resolver
	out      io.Writer
	content  *resolver.ContentStore
}

// SelectFile resolves and prints the firmware file.
func (l *linkSelector) SelectFile(reference string) error {
	firmware, err := l.resolver.Resolve(reference)
	if err != nil {
		return err
	}

	printFirmware(l.out, firmware)
	if resolver.IsContentReference(reference) {
		l.content.Remove(reference)
	}

	return nil
}

// runLink handles a deep link, and prints the firmware file it refers to.
func runLink(cliCtx *cli.Context) error {
	link := cliCtx.Args().First()
	if link == "" {
		return errors.New("specify a link")
	}

	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	selector := &linkSelector{
		resolver: svc.resolver,
		out:      cliCtx.App.Writer,
		content:  svc.content,
	}

	handled, err := svc.newLinkHandler(selector).Handle(cliCtx.Context, link)
	if err != nil {
		return err
	}
	if !handled {
		printWarn("The link was not handled")
	}

	return nil
}

// printFirmware prints the details of a firmware file.
func printFirmware(out io.Writer, firmware dfu.FirmwarePackage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name\t%s\n", firmware.DisplayName)
	fmt.Fprintf(w, "Size\t%d bytes\n", firmware.SizeBytes)
	fmt.Fprintf(w, "Path\t%s\n", firmware.Handle)
	w.Flush()
}
