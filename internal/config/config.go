package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PAPERFALL"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "paperfall.db"
	defaultVoteLedger    = "votes.db"
	defaultBlobDirectory = "paper_images"
	defaultStaticDir     = "static"
	defaultLogLevel      = "info"
)

// defaultMirrors is probed in order until one yields a PDF.
var defaultMirrors = []string{
	"https://sci-hub.se",
	"https://sci-hub.st",
	"https://sci-hub.ru",
	"https://sci-hub.ee",
	"https://sci-hub.ren",
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	VoteLedgerPath string
	BlobDirectory  string
	StaticDir      string
	LogLevel       string
	Mirrors        []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("votes.path", defaultVoteLedger)
	configViper.SetDefault("blob.dir", defaultBlobDirectory)
	configViper.SetDefault("static.dir", defaultStaticDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("mirrors", defaultMirrors)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		VoteLedgerPath: configViper.GetString("votes.path"),
		BlobDirectory:  configViper.GetString("blob.dir"),
		StaticDir:      configViper.GetString("static.dir"),
		LogLevel:       configViper.GetString("log.level"),
		Mirrors:        configViper.GetStringSlice("mirrors"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.VoteLedgerPath) == "" {
		return fmt.Errorf("votes.path is required")
	}
	if strings.TrimSpace(c.BlobDirectory) == "" {
		return fmt.Errorf("blob.dir is required")
	}
	if len(c.Mirrors) == 0 {
		return fmt.Errorf("at least one mirror is required")
	}
	return nil
}
