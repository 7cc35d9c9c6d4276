package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Overlay
const EnvPrefix = "OSMEXTRACT"

// Overlay fills flags the user did not set on the command line from
// OSMEXTRACT_* environment variables, then from the optional YAML config
// file. Flags are bound to Config fields, so setting the flag updates
// the configuration. Precedence: flag > env > file > default.
func Overlay(fs *pflag.FlagSet, configFile string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || f.Name == "config" {
			return
		}
		if !v.IsSet(f.Name) {
			return
		}
		if setErr := fs.Set(f.Name, v.GetString(f.Name)); setErr != nil {
			err = fmt.Errorf("invalid value for %s: %w", f.Name, setErr)
		}
	})
	return err
}
