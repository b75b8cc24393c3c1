package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Port                   int               `mapstructure:"port"`
	StoragePath            string            `mapstructure:"storage_path"`
	Debug                  bool              `mapstructure:"debug"`
	MaxConcurrentTransfers int               `mapstructure:"max_concurrent_transfers"`
	Destination            DestinationConfig `mapstructure:"destination"`
	Transfer               TransferConfig    `mapstructure:"transfer"`
	Credentials            CredentialsConfig `mapstructure:"credentials"`
}

// DestinationConfig describes the resumable-upload endpoint sessions are opened against.
type DestinationConfig struct {
	SessionURL   string `mapstructure:"session_url"`
	AssetIDField string `mapstructure:"asset_id_field"`
}

// TransferConfig tunes the chunk relay.
type TransferConfig struct {
	ChunkSize        int64         `mapstructure:"chunk_size"`
	ChunkGranularity int64         `mapstructure:"chunk_granularity"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SniffContentType bool          `mapstructure:"sniff_content_type"`
}

// CredentialsConfig selects which stored credential feeds the bearer token.
type CredentialsConfig struct {
	Account    string `mapstructure:"account"`
	Passphrase string `mapstructure:"passphrase"`
}

const (
	// EnvPrefix prefixes every environment override, e.g. MEDIARELAY_TRANSFER_CHUNK_SIZE.
	EnvPrefix = "MEDIARELAY"

	defaultChunkSize = 8 * 1024 * 1024
	defaultYouTube   = "https://www.googleapis.com/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"
)

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 4000)
	v.SetDefault("storage_path", "./data")
	v.SetDefault("debug", false)
	v.SetDefault("max_concurrent_transfers", 4)
	v.SetDefault("destination.session_url", defaultYouTube)
	v.SetDefault("destination.asset_id_field", "id")
	v.SetDefault("transfer.chunk_size", defaultChunkSize)
	v.SetDefault("transfer.chunk_granularity", 256*1024)
	v.SetDefault("transfer.max_attempts", 5)
	v.SetDefault("transfer.initial_backoff", time.Second)
	v.SetDefault("transfer.max_backoff", 30*time.Second)
	v.SetDefault("transfer.request_timeout", 2*time.Minute)
	v.SetDefault("transfer.sniff_content_type", false)
	v.SetDefault("credentials.account", "default")
	v.SetDefault("credentials.passphrase", "")
}

// LoadConfig reads config.yaml from path, layers MEDIARELAY_* environment
// variables over it and stores the result in Config. A missing file is not an
// error; defaults apply.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects settings the relay cannot run with.
func (c *AppConfig) Validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if g := c.Transfer.ChunkGranularity; g > 0 && c.Transfer.ChunkSize%g != 0 {
		return fmt.Errorf("transfer.chunk_size must be a multiple of %d", g)
	}
	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("transfer.max_attempts must be at least 1")
	}
	if c.Destination.SessionURL == "" {
		return fmt.Errorf("destination.session_url is required")
	}
	if c.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("max_concurrent_transfers must be at least 1")
	}
	return nil
}
