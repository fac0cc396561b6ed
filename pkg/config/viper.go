// Package config locates the prospector config file for the CLI. The typed
// configuration itself lives in internal/config; this package only resolves
// which file, if any, that loader should read.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// InitConfig resolves the config file the CLI should load. An explicit path
// wins. Otherwise the standard search paths are scanned for a file named
// config: the working directory, /etc/prospector and $HOME/.prospector, in
// that order. The PROSPECTOR_ environment prefix is registered on the global
// viper so ad-hoc lookups see the same overrides the typed loader does. An
// empty return means defaults and environment only.
func InitConfig(explicit string) string {
	if explicit != "" {
		return explicit
	}

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/prospector/")
	viper.AddConfigPath("$HOME/.prospector")

	viper.SetEnvPrefix("PROSPECTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return ""
		}
		// A present-but-broken file surfaces through the typed loader,
		// which reports parse errors with the path attached.
		return viper.ConfigFileUsed()
	}
	return viper.ConfigFileUsed()
}
