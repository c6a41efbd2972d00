package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

const (
	appName    = "bluedfu"
	configFile = "bluedfu.conf"
)

// Config describes the configuration for the app.
type Config struct {
	path string

	Values Values
}

// NewConfig returns a new configuration.
func NewConfig() *Config {
	return &Config{}
}

// Load loads the configuration from the configuration file and the command-line flags.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context) error {
	if err := c.createConfigDir(); err != nil {
		return err
	}

	cfgfile, err := c.configFilePath()
	if err != nil {
		return err
	}

	if err := k.Load(file.Provider(cfgfile), hjson.Parser()); err != nil {
		return err
	}

	if cliCtx != nil {
		if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
			return err
		}
	}

	return k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"})
}

// ValidateValues validates the configuration values.
func (c *Config) ValidateValues() error {
	return c.Values.validateValues(c.path)
}

// Dir returns the configuration directory.
func (c *Config) Dir() string {
	return c.path
}

// configDirs returns the candidate configuration directories, in the
// order of preference.
func configDirs() ([]string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, appName))
	}

	return append(dirs,
		filepath.Join(homedir, ".config", appName),
		filepath.Join(homedir, "."+appName),
	), nil
}

// createConfigDir selects the first existing configuration directory,
// or creates the first one that can be created.
func (c *Config) createConfigDir() error {
	dirs, err := configDirs()
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			c.path = dir
			return nil
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err == nil {
			c.path = dir
			return nil
		}
	}

	return fmt.Errorf("the configuration directory could not be created at:\n%s", strings.Join(dirs, "\n"))
}

// configFilePath returns the path of the configuration file, and creates
// an empty file if it does not exist.
func (c *Config) configFilePath() (string, error) {
	path := filepath.Join(c.path, configFile)

	fd, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return "", fmt.Errorf("cannot create the configuration file at %s: %w", path, err)
	}

	return path, fd.Close()
}

// GenerateAndSave writes the current configuration, including the values
// of the flags it was loaded with, to the configuration file.
func (c *Config) GenerateAndSave(current *koanf.Koanf) error {
	data, err := hjson.Parser().Marshal(current.All())
	if err != nil {
		return err
	}

	path, err := c.configFilePath()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
