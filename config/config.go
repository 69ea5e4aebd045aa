package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relaychat/relay/globals"
)

const (
	defaultHistorySize    = 50
	defaultGuestSuffix    = " (guest)"
	defaultIdentityHeader = "Cf-Access-Jwt-Assertion"
)

// Config is the global configuration object which is filled via the
// configuration file, environment (prefix RELAY) and command-line flags.
type Config struct {
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	RoomConfigs       []RoomConfig      `mapstructure:"room"`
	PresenceCronSpec  string            `mapstructure:"presence_cron"`
	LogLevel          string            `mapstructure:"log_level"`
}

// HistoryConfig configures the page size of the history read endpoint.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// BuntDBConfig configures the BuntDB file storage backed database.
type BuntDBConfig struct {
	Name string `mapstructure:"name"`
}

// PersistenceConfig configures the persistence backend. Type is one of
// "buntdb", "sqlite" or "postgres"; DSN applies to the SQL backends,
// BuntDBConfig to the embedded one. An empty type disables persistence and
// the relay runs in transient best-effort mode.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	FlockPath    string       `mapstructure:"flock_path"`
	BuntDBConfig BuntDBConfig `mapstructure:"buntdb"`
}

// AuthConfig configures the credential-derivation middleware. The identity
// header carries the externally-issued assertion of the gateway; when an
// OIDC provider is configured the assertion is verified, otherwise it is
// only decoded.
type AuthConfig struct {
	IdentityHeader string     `mapstructure:"identity_header"`
	GuestSuffix    string     `mapstructure:"guest_suffix"`
	OIDCConfig     OIDCConfig `mapstructure:"oidc"`
}

// An OIDCConfig object configures the OpenID Connect provider used to verify
// the gateway assertion.
type OIDCConfig struct {
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// Each RoomConfig block optionally attaches a message_filter expression to a
// room; messages failing the filter are not delivered to that recipient.
type RoomConfig struct {
	Name          string `mapstructure:"name"`
	MessageFilter string `mapstructure:"message_filter"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE|DEBUG|INFO|WARN|ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("history.history_size", defaultHistorySize)
	viper.SetDefault("auth.guest_suffix", defaultGuestSuffix)
	viper.SetDefault("auth.identity_header", defaultIdentityHeader)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Debug("config", "cfg", cfg, "all", viper.AllSettings())
	return &cfg, nil
}
