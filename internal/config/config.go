package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	keychainService   = "vidvault"
	accountResolver   = "resolver_api_key"
	accountTranscribe = "transcriber_api_key"
	accountAPIToken   = "api_token"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Resolver    ResolverConfig
	Transcriber TranscriberConfig
	Jobs        JobsConfig
	Layout      LayoutConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port         int
	APIKeyHeader string
}

// StorageConfig holds the database directory and the three artifact roots.
// Empty artifact roots default to subdirectories of DataDir.
type StorageConfig struct {
	DataDir  string
	JSONDir  string
	VideoDir string
	ImageDir string
}

type ResolverConfig struct {
	BaseURL       string
	APIKey        string
	RatePerSecond float64
}

type TranscriberConfig struct {
	Backend     string
	FFmpegPath  string
	WhisperPath string
	WhisperArgs string
	ModelPath   string
	Language    string
	APIBase     string
	APIKey      string
	APIModel    string
}

type JobsConfig struct {
	Workers           int
	PollInterval      time.Duration
	ResolveTimeout    time.Duration
	DownloadTimeout   time.Duration
	TranscribeTimeout time.Duration
}

type LayoutConfig struct {
	// AuthorAliases maps an upstream author id to the directory name used
	// for that author.
	AuthorAliases map[string]string
}

type LogConfig struct {
	Level string
	JSON  bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         17649,
			APIKeyHeader: "X-API-KEY",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Resolver: ResolverConfig{
			BaseURL:       "https://api.tikhub.io/api/v1/douyin/app/v3",
			RatePerSecond: 2,
		},
		Transcriber: TranscriberConfig{
			Backend:     "whisper-cpp",
			FFmpegPath:  "ffmpeg",
			WhisperPath: "whisper-cli",
			Language:    "zh",
			APIBase:     "https://api.openai.com/v1",
			APIModel:    "whisper-1",
		},
		Jobs: JobsConfig{
			Workers:           3,
			PollInterval:      2 * time.Second,
			ResolveTimeout:    time.Minute,
			DownloadTimeout:   10 * time.Minute,
			TranscribeTimeout: 30 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.vidvault.app) and secrets
// fall back to macOS Keychain.
// Elsewhere the backend is a TOML file at $XDG_CONFIG_HOME/vidvault/config.toml
// and secrets fall back to $XDG_DATA_HOME/vidvault/secrets.json.
//
// Environment variables (VIDVAULT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// loadFromPath loads configuration from an explicit TOML file.
func loadFromPath(path string, kc Keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not given in the environment come from the keychain.
	if cfg.Resolver.APIKey == "" {
		if key, err := kc.Get(keychainService, accountResolver); err == nil {
			cfg.Resolver.APIKey = strings.TrimSpace(key)
		}
	}
	if cfg.Transcriber.APIKey == "" {
		if key, err := kc.Get(keychainService, accountTranscribe); err == nil {
			cfg.Transcriber.APIKey = strings.TrimSpace(key)
		}
	}

	return cfg, nil
}

// Validate reports configuration the daemon cannot start with.
func (c Config) Validate() error {
	if c.Resolver.APIKey == "" {
		return errors.Newf("missing required config: resolver API key. "+
			"Set it via environment variable VIDVAULT_RESOLVER_API_KEY%s", apiKeyHint(accountResolver))
	}
	switch c.Transcriber.Backend {
	case "whisper-cpp":
	case "api":
		if c.Transcriber.APIKey == "" {
			return errors.Newf("missing required config: transcriber API key for backend %q. "+
				"Set it via environment variable VIDVAULT_TRANSCRIBER_API_KEY%s", c.Transcriber.Backend, apiKeyHint(accountTranscribe))
		}
	default:
		return errors.Newf("invalid transcriber.backend %q: want whisper-cpp or api", c.Transcriber.Backend)
	}
	if c.Jobs.Workers < 1 {
		return errors.Newf("jobs.workers must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ArtifactDirs returns the JSON, video and image roots.
func (s StorageConfig) ArtifactDirs() (jsonDir, videoDir, imageDir string) {
	jsonDir, videoDir, imageDir = s.JSONDir, s.VideoDir, s.ImageDir
	if jsonDir == "" {
		jsonDir = filepath.Join(s.DataDir, "json")
	}
	if videoDir == "" {
		videoDir = filepath.Join(s.DataDir, "video")
	}
	if imageDir == "" {
		imageDir = filepath.Join(s.DataDir, "image")
	}
	return jsonDir, videoDir, imageDir
}
