package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluedfu/config"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "bluedfu",
		Usage:                  "Bluetooth LE firmware updater.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Update the firmware of Bluetooth LE devices over DFU.",
		DefaultCommand:         "update",
		Copyright:              "(c) bluetuith-org.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags:                  globalFlags(),
		Commands: []*cli.Command{
			{
				Name:      "update",
				Aliases:   []string{"u"},
				Usage:     "Update the firmware of a device.",
				ArgsUsage: "[firmware file]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "Specify the firmware file (a path, a file:// URL or a content reference).",
					},
					&cli.StringFlag{
						Name:    "link",
						Aliases: []string{"k"},
						Usage:   "Specify a link to the firmware file. (For example, 'bluedfu://open?file=https://...')",
					},
					&cli.StringFlag{
						Name:    "name",
						Aliases: []string{"n"},
						Usage:   "Specify the name of the device to update, if no device address is specified.",
					},
					scanTimeoutFlag(),
				},
				Action: runUpdate,
			},
			{
				Name:   "scan",
				Usage:  "List nearby devices.",
				Flags:  []cli.Flag{scanTimeoutFlag()},
				Action: runScan,
			},
			{
				Name:  "settings",
				Usage: "Show or modify the transfer settings.",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Show the settings.",
						Action: runSettingsShow,
					},
					{
						Name:      "set",
						Usage:     "Modify a setting.",
						ArgsUsage: "<setting> <value>",
						Action:    runSettingsSet,
					},
					{
						Name:   "reset",
						Usage:  "Restore the default settings.",
						Action: runSettingsReset,
					},
				},
				Action: runSettingsShow,
			},
			{
				Name:  "history",
				Usage: "Show or clear the update history.",
				Subcommands: []*cli.Command{
					{
						Name:   "sessions",
						Usage:  "List the update sessions.",
						Flags:  []cli.Flag{limitFlag()},
						Action: runHistorySessions,
					},
					{
						Name:  "events",
						Usage: "List the recorded events.",
						Flags: []cli.Flag{
							limitFlag(),
							&cli.StringFlag{
								Name:  "type",
								Usage: "Only list events of this type. (For example, 'dfu_error_result')",
							},
							&cli.StringFlag{
								Name:  "session",
								Usage: "Only list events of this session.",
							},
						},
						Action: runHistoryEvents,
					},
					{
						Name:   "clear",
						Usage:  "Delete the update history.",
						Action: runHistoryClear,
					},
				},
				Action: runHistorySessions,
			},
			{
				Name:      "link",
				Usage:     "Open a link to a firmware file, and show the file.",
				ArgsUsage: "<link>",
				Action:    runLink,
			},
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

// globalFlags returns the flags which are merged into the configuration.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"L"},
			EnvVars: []string{"BLUEDFU_LOG_LEVEL"},
			Usage:   "Specify the log level. (For example, 'debug')",
		},
		&cli.StringFlag{
			Name:    "log-file",
			EnvVars: []string{"BLUEDFU_LOG_FILE"},
			Usage:   "Specify a file to write logs to.",
		},
		&cli.StringFlag{
			Name:    "engine",
			Aliases: []string{"e"},
			EnvVars: []string{"BLUEDFU_ENGINE"},
			Usage:   "Specify the transfer engine. ('" + config.EngineProcess + "' or '" + config.EngineSimulated + "')",
		},
		&cli.StringFlag{
			Name:    "engine-command",
			Aliases: []string{"c"},
			EnvVars: []string{"BLUEDFU_ENGINE_COMMAND"},
			Usage:   "Specify the command of the process engine.",
		},
		&cli.StringFlag{
			Name:    "download-dir",
			Aliases: []string{"r"},
			EnvVars: []string{"BLUEDFU_DOWNLOAD_DIR"},
			Usage:   "Specify a directory to store downloaded firmware files.",
		},
		&cli.StringFlag{
			Name:    "history-db",
			EnvVars: []string{"BLUEDFU_HISTORY_DB"},
			Usage:   "Specify the path to the update history database.",
		},
		&cli.BoolFlag{
			Name:    "no-history",
			EnvVars: []string{"BLUEDFU_NO_HISTORY"},
			Usage:   "Do not record the update history.",
		},
		&cli.BoolFlag{
			Name:    "clear-device-on-file-select",
			EnvVars: []string{"BLUEDFU_CLEAR_DEVICE_ON_FILE_SELECT"},
			Usage:   "Clear the selected device when a new firmware file is selected.",
		},
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"d"},
			EnvVars: []string{"BLUEDFU_DEVICE"},
			Usage:   "Specify the address of the device to update. (For example, 'AA:BB:CC:DD:EE:FF')",
		},
		&cli.BoolFlag{
			Name:    "no-warning",
			Aliases: []string{"w"},
			EnvVars: []string{"BLUEDFU_NO_WARNING"},
			Usage:   "Do not display warnings.",
		},
		&cli.BoolFlag{
			Name:    "no-progress",
			Aliases: []string{"p"},
			EnvVars: []string{"BLUEDFU_NO_PROGRESS"},
			Usage:   "Print each transfer stage on its own line instead of a progress bar.",
		},
		&cli.BoolFlag{
			Name:    "generate",
			Aliases: []string{"g"},
			Usage:   "Generate configuration.",
			Action: func(cliCtx *cli.Context, _ bool) error {
				k := koanf.New(".")

				cliCtx.Command.Name = "global"

				conf := config.NewConfig()
				if err := conf.Load(k, cliCtx); err != nil {
					return err
				}

				if err := conf.GenerateAndSave(k); err != nil {
					return err
				}

				printSuccess("The configuration was generated")

				return nil
			},
		},
	}
}

// limitFlag returns the flag which limits the number of listed history entries.
func limitFlag() *cli.IntFlag {
	return &cli.IntFlag{
		Name:    "limit",
		Aliases: []string{"l"},
		Value:   20,
		Usage:   "Specify the maximum number of entries to list.",
	}
}
