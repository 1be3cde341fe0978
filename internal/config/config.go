package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "STACKFALL"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "stackfall.db"
	defaultStoreURL     = "http://127.0.0.1:8080"
	defaultPeerAddress  = "127.0.0.1:0"
	defaultLogLevel     = "info"
)

// ServerConfig captures runtime configuration for the store service.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	LogLevel      string
}

// ClientConfig captures runtime configuration for a game client.
type ClientConfig struct {
	StoreURL    string
	PeerAddress string
	Nickname    string
	LogLevel    string
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
	configViper.SetDefault("store.url", defaultStoreURL)
	configViper.SetDefault("peer.address", defaultPeerAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadServer parses store-service configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

// LoadClient parses game-client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		StoreURL:    configViper.GetString("store.url"),
		PeerAddress: configViper.GetString("peer.address"),
		Nickname:    configViper.GetString("player.nickname"),
		LogLevel:    configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.StoreURL) == "" {
		return fmt.Errorf("store.url is required")
	}
	if strings.TrimSpace(c.PeerAddress) == "" {
		return fmt.Errorf("peer.address is required")
	}
	return nil
}
