package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kMap
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VIDVAULT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_key_header", typ: kString, env: "VIDVAULT_SERVER_API_KEY_HEADER",
		apply:   func(cfg *Config, v any) { cfg.Server.APIKeyHeader = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIKeyHeader },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VIDVAULT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.json_dir", typ: kString, env: "VIDVAULT_STORAGE_JSON_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.JSONDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.JSONDir },
	},
	{
		key: "storage.video_dir", typ: kString, env: "VIDVAULT_STORAGE_VIDEO_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.VideoDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VideoDir },
	},
	{
		key: "storage.image_dir", typ: kString, env: "VIDVAULT_STORAGE_IMAGE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ImageDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ImageDir },
	},
	{
		key: "resolver.base_url", typ: kString, env: "VIDVAULT_RESOLVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Resolver.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Resolver.BaseURL },
	},
	{
		key: "resolver.api_key", typ: kString, env: "VIDVAULT_RESOLVER_API_KEY",
		secret: true, account: accountResolver,
		apply:   func(cfg *Config, v any) { cfg.Resolver.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Resolver.APIKey },
	},
	{
		key: "resolver.rate_per_second", typ: kFloat, env: "VIDVAULT_RESOLVER_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Resolver.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Resolver.RatePerSecond },
	},
	{
		key: "transcriber.backend", typ: kString, env: "VIDVAULT_TRANSCRIBER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.Backend },
	},
	{
		key: "transcriber.ffmpeg_path", typ: kString, env: "VIDVAULT_TRANSCRIBER_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.FFmpegPath },
	},
	{
		key: "transcriber.whisper_path", typ: kString, env: "VIDVAULT_TRANSCRIBER_WHISPER_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.WhisperPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.WhisperPath },
	},
	{
		key: "transcriber.whisper_args", typ: kString, env: "VIDVAULT_TRANSCRIBER_WHISPER_ARGS",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.WhisperArgs = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.WhisperArgs },
	},
	{
		key: "transcriber.model_path", typ: kString, env: "VIDVAULT_TRANSCRIBER_MODEL_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.ModelPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.ModelPath },
	},
	{
		key: "transcriber.language", typ: kString, env: "VIDVAULT_TRANSCRIBER_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.Language },
	},
	{
		key: "transcriber.api_base", typ: kString, env: "VIDVAULT_TRANSCRIBER_API_BASE",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.APIBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.APIBase },
	},
	{
		key: "transcriber.api_key", typ: kString, env: "VIDVAULT_TRANSCRIBER_API_KEY",
		secret: true, account: accountTranscribe,
		apply:   func(cfg *Config, v any) { cfg.Transcriber.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.APIKey },
	},
	{
		key: "transcriber.api_model", typ: kString, env: "VIDVAULT_TRANSCRIBER_API_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.APIModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.APIModel },
	},
	{
		key: "jobs.workers", typ: kInt, env: "VIDVAULT_JOBS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Workers },
	},
	{
		key: "jobs.poll_interval", typ: kDuration, env: "VIDVAULT_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "jobs.resolve_timeout", typ: kDuration, env: "VIDVAULT_JOBS_RESOLVE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ResolveTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.ResolveTimeout },
	},
	{
		key: "jobs.download_timeout", typ: kDuration, env: "VIDVAULT_JOBS_DOWNLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.DownloadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.DownloadTimeout },
	},
	{
		key: "jobs.transcribe_timeout", typ: kDuration, env: "VIDVAULT_JOBS_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.TranscribeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.TranscribeTimeout },
	},
	{
		key: "layout.author_aliases", typ: kMap, env: "VIDVAULT_LAYOUT_AUTHOR_ALIASES",
		apply:   func(cfg *Config, v any) { cfg.Layout.AuthorAliases = v.(map[string]string) },
		extract: func(cfg Config) any { return formatMap(cfg.Layout.AuthorAliases) },
	},
	{
		key: "log.level", typ: kString, env: "VIDVAULT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.json", typ: kBool, env: "VIDVAULT_LOG_JSON",
		apply:   func(cfg *Config, v any) { cfg.Log.JSON = v.(bool) },
		extract: func(cfg Config) any { return cfg.Log.JSON },
	},
}

func isKnownKey(key string) bool {
	for _, s := range specs {
		if s.key == key {
			return true
		}
	}
	return false
}

// parseValue converts raw text into the Go value a keySpec applies.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kMap:
		m := map[string]string{}
		if strings.TrimSpace(raw) == "" {
			return m, nil
		}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, errors.Wrap(err, "expected a JSON object of strings")
		}
		return m, nil
	}
	return nil, errors.Newf("unsupported type for %s", s.key)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return errors.Wrapf(err, "reading %s", s.key)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return errors.Wrapf(err, "reading %s", s.key)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func formatMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, strconv.Quote(k)+":"+strconv.Quote(m[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
