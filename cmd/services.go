package cmd

import (
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluedfu/config"
	"github.com/darkhz/bluedfu/deeplink"
	"github.com/darkhz/bluedfu/engine"
	"github.com/darkhz/bluedfu/engine/process"
	"github.com/darkhz/bluedfu/engine/simulated"
	"github.com/darkhz/bluedfu/history"
	"github.com/darkhz/bluedfu/resolver"
	"github.com/darkhz/bluedfu/scanner"
	"github.com/darkhz/bluedfu/session"
	"github.com/darkhz/bluedfu/settings"
)

// services holds the components which are shared by the commands.
type services struct {
	cfg *config.Config
	log *logrus.Logger

	settings *settings.Store
	content  *resolver.ContentStore
	resolver *resolver.Resolver

	history  *history.Store
	recorder *history.Recorder

	closeLog func()
}

// loadConfig loads and validates the configuration, from the configuration
// file and the global flags.
func loadConfig(cliCtx *cli.Context) (*config.Config, error) {
	lineage := cliCtx.Lineage()
	root := lineage[len(lineage)-1]

	// required for koanf to merge all global flags under the root namespace.
	root.Command.Name = "global"

	k, cfg := koanf.New("."), config.NewConfig()
	if err := cfg.Load(k, root); err != nil {
		return nil, err
	}
	if err := cfg.ValidateValues(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newServices loads the configuration and sets up the shared components.
func newServices(cliCtx *cli.Context) (*services, error) {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := newLogger(cfg.Values)
	if err != nil {
		return nil, err
	}

	s := &services{
		cfg:      cfg,
		log:      log,
		settings: settings.Open(cfg.Dir()),
		content:  resolver.NewContentStore(resolver.DefaultAuthority),
		closeLog: closeLog,
	}
	s.resolver = resolver.New(
		resolver.WithContentQuerier(s.content),
		resolver.WithLogger(log.WithField("component", "resolver")),
	)

	if !cfg.Values.NoHistory {
		store, err := history.OpenPath(cfg.Values.HistoryDB)
		if err != nil {
			if !cfg.Values.NoWarning {
				printWarn("The update history is not available: " + err.Error())
			}
			log.WithError(err).Warn("history database could not be opened")
		} else {
			s.history = store
			s.recorder = history.NewRecorder(store, log.WithField("component", "history"))
		}
	}

	return s, nil
}

// close closes the shared components.
func (s *services) close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.log.WithError(err).Warn("history database could not be closed")
		}
	}

	s.closeLog()
}

// newEngine returns the configured transfer engine.
func (s *services) newEngine() engine.Engine {
	values := s.cfg.Values
	if values.Engine == config.EngineSimulated {
		return simulated.New()
	}

	return process.New(
		values.EngineArgs[0], values.EngineArgs[1:],
		process.WithLogger(s.log.WithField("component", "engine")),
	)
}

// newController returns a new session controller which uses the configured engine.
func (s *services) newController() *session.Controller {
	adapter := engine.NewAdapter(s.newEngine(),
		engine.WithLogger(s.log.WithField("component", "adapter")),
	)

	opts := []session.Option{
		session.WithLogger(s.log.WithField("component", "session")),
		session.WithClearDeviceOnFileSelect(s.cfg.Values.ClearDevice),
	}
	if s.recorder != nil {
		opts = append(opts, session.WithRecorder(s.recorder))
	}

	return session.NewController(s.resolver, adapter, opts...)
}

// newLinkHandler returns a deep link handler, which selects the
// linked firmware files with the selector.
func (s *services) newLinkHandler(selector deeplink.FileSelector) *deeplink.Handler {
	downloader := deeplink.NewDownloader(s.cfg.Values.DownloadDir, s.content,
		deeplink.WithDownloaderLogger(s.log.WithField("component", "downloader")),
	)

	opts := []deeplink.HandlerOption{
		deeplink.WithLogger(s.log.WithField("component", "deeplink")),
	}
	if s.recorder != nil {
		opts = append(opts, deeplink.WithRecorder(s.recorder))
	}

	return deeplink.NewHandler(downloader, selector, opts...)
}

// newScanner returns a new device scanner.
func (s *services) newScanner() *scanner.Scanner {
	return scanner.New(scanner.WithLogger(s.log.WithField("component", "scanner")))
}
