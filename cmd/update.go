package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/eventbus"
	"github.com/darkhz/bluedfu/scanner"
	"github.com/darkhz/bluedfu/session"
)

// errNoFirmware is returned when neither a firmware file nor a link is provided.
var errNoFirmware = errors.New("specify a firmware file (--file) or a link (--link)")

// runUpdate selects the firmware file and device, and performs a firmware update.
func runUpdate(cliCtx *cli.Context) error {
	if cliCtx.Bool("generate") {
		return nil
	}

	svc, err := newServices(cliCtx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.recorder != nil {
		svc.recorder.AppOpened()
	}

	current, err := svc.settings.Load()
	if err != nil {
		return err
	}
	if current.ShowWelcome {
		if !svc.cfg.Values.NoWarning {
			printInfo("Welcome to bluedfu. Transfer options can be changed with the 'settings' command.")
		}
		if err := svc.settings.TickWelcomeShown(); err != nil {
			svc.log.WithError(err).Warn("welcome flag could not be saved")
		}
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := svc.newController()
	defer controller.Close()

	if err := selectFirmware(ctx, cliCtx, svc, controller); err != nil {
		return err
	}

	device, err := findDevice(ctx, cliCtx, svc)
	if err != nil {
		return err
	}
	if err := controller.SelectDevice(device); err != nil {
		return err
	}

	firmware, _, _, _ := controller.Selection()
	printInfo(fmt.Sprintf("Updating %s with %s (%d bytes)", device, firmware.DisplayName, firmware.SizeBytes))

	sub := controller.Subscribe()
	if err := controller.Start(current.Options); err != nil {
		sub.Unsubscribe()
		return err
	}

	result, err := watchSession(ctx, controller, sub, newProgressView(os.Stdout, svc.cfg.Values.NoProgress))
	if err != nil {
		return err
	}

	return reportResult(result)
}

// selectFirmware selects the firmware file, either from a deep link or from
// a file reference.
func selectFirmware(ctx context.Context, cliCtx *cli.Context, svc *services, controller *session.Controller) error {
	if link := cliCtx.String("link"); link != "" {
		handled, err := svc.newLinkHandler(controller).Handle(ctx, link)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	file := cliCtx.String("file")
	if file == "" {
		file = cliCtx.Args().First()
	}
	if file == "" {
		return errNoFirmware
	}

	return controller.SelectFile(file)
}

// findDevice returns the device to update. The configured address is used
// if it is set. Otherwise, a device is searched for by its name, or the
// nearest device is selected.
func findDevice(ctx context.Context, cliCtx *cli.Context, svc *services) (dfu.TargetDevice, error) {
	if svc.cfg.Values.DeviceAddr != "" {
		return dfu.TargetDevice{Address: svc.cfg.Values.TargetDevice.String()}, nil
	}

	timeout := cliCtx.Duration("scan-timeout")
	s := svc.newScanner()

	if name := cliCtx.String("name"); name != "" {
		printInfo("Searching for " + name)
		return s.Find(ctx, timeout, name)
	}

	printInfo("Searching for the nearest device")

	results, err := s.Discover(ctx, timeout)
	if err != nil {
		return dfu.TargetDevice{}, err
	}
	if len(results) == 0 {
		return dfu.TargetDevice{}, errors.New("no devices were found, specify a device address (--device)")
	}

	nearest := results[0]
	if !svc.cfg.Values.NoWarning {
		printWarn(fmt.Sprintf("No device was specified, selected %s (RSSI %d)", nearest.Device, nearest.RSSI))
	}

	return nearest.Device, nil
}

// watchSession renders the session states until the session has finished,
// and returns the final state. The session is aborted if the context is
// cancelled, for example on an interrupt.
func watchSession(ctx context.Context, controller *session.Controller, sub eventbus.Subscription, view *progressView) (dfu.SessionState, error) {
	var (
		result dfu.SessionState
		done   = make(chan struct{})
	)

	g := new(errgroup.Group)

	g.Go(func() error {
		defer close(done)
		defer sub.Unsubscribe()

		for state := range sub.C {
			view.update(state)

			if dfu.IsTerminal(state) {
				result = state
				return nil
			}
		}

		return errors.New("the session was closed before it finished")
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			printWarn("Aborting the firmware update")
			controller.Abort()

		case <-done:
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// reportResult prints the result of the session, and returns an error
// if the update did not complete.
func reportResult(result dfu.SessionState) error {
	switch state := result.(type) {
	case dfu.Completed:
		printSuccess("The firmware update has completed")

	case dfu.Aborted:
		return errors.New("the firmware update was aborted")

	case dfu.Failed:
		return fmt.Errorf("the firmware update has failed (%s): %s", titleCase(state.Code.String()), state.Message)
	}

	return nil
}

// scanTimeoutFlag returns the scan timeout flag for the update and scan commands.
func scanTimeoutFlag() *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:    "scan-timeout",
		Aliases: []string{"t"},
		Value:   scanner.DefaultTimeout,
		Usage:   "Specify how long to scan for devices.",
	}
}
