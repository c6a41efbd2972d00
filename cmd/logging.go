package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/darkhz/bluedfu/config"
)

// newLogger returns a logger which is configured from the configuration values.
// If a log file is configured, the logger writes to it, and the returned
// function closes it.
func newLogger(values config.Values) (*logrus.Logger, func(), error) {
	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)

	if values.LogFile != "" {
		f, err := os.OpenFile(values.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}

		out = f
		closeFn = func() { f.Close() }
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(values.Level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: values.LogFile != "",
	})

	return log, closeFn, nil
}
