package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// AppName is the name of the application
	AppName = "cmdrelay"

	// EnvPrefix prefixes every environment override, e.g. CMDRELAY_HUB_API_KEY
	EnvPrefix = "CMDRELAY"

	// Config search paths

	// InDot is the path to the config file in ./
	InDot = "."
	// InEtc is the path to the config file in /etc/{AppName}
	InEtc = "/etc/" + AppName
	// InHome is the path to the config file in $HOME/.config/{AppName}
	InHome = "$HOME/.config/" + AppName
)

// NewViper creates a viper instance for the named config file.
//
// When path is set only that file is read and it must exist. Otherwise
// {name}.yaml is searched in the current directory, $HOME/.config/cmdrelay,
// /etc/cmdrelay and next to the executable; a missing file is not an error so
// the binary can run on defaults and environment alone. Environment
// variables override file values: hub.api_key becomes CMDRELAY_HUB_API_KEY.
func NewViper(name, path string, defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only reaches keys viper knows about
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return v, nil
	}

	v.SetConfigName(name)
	v.AddConfigPath(InDot)
	v.AddConfigPath(InHome)
	v.AddConfigPath(InEtc)
	if ex, err := os.Executable(); err == nil {
		v.AddConfigPath(filepath.Dir(ex))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}
