package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceholderAPIKey is the value shipped in sample env files. It is treated
// the same as an absent credential.
const PlaceholderAPIKey = "your_sarvam_api_key_here"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	WSPath          string `yaml:"ws_path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	STT           STTConfig           `yaml:"stt"`
	LLM           LLMConfig           `yaml:"llm"`
	TTS           TTSConfig           `yaml:"tts"`
	ResponseCache ResponseCacheConfig `yaml:"response_cache"`
	Session       SessionConfig       `yaml:"session"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// Services answers stt, chat and tts requests on the bus.
	Services       bool     `yaml:"services"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// UpstreamConfig holds the shared credential and transport settings for the
// hosted speech and chat services.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	OpenTimeoutMS    int  `yaml:"open_timeout_ms"`
}

type STTConfig struct {
	Mode         string `yaml:"mode"` // sarvam, exec, demo
	Command      string `yaml:"command"`
	Model        string `yaml:"model"`
	LanguageHint string `yaml:"language_hint"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // sarvam, ollama, exec, demo
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	Model            string  `yaml:"model"`
	SystemPrompt     string  `yaml:"system_prompt"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	ChatSystemPrompt string  `yaml:"chat_system_prompt"`
	ChatMaxTokens    int     `yaml:"chat_max_tokens"`
	ChatTemperature  float64 `yaml:"chat_temperature"`
	ChatHistoryLimit int     `yaml:"chat_history_limit"`
	TimeoutMS        int     `yaml:"timeout_ms"`
	ChatTimeoutMS    int     `yaml:"chat_timeout_ms"`
}

type TTSConfig struct {
	Mode                string   `yaml:"mode"` // sarvam, exec, demo
	Command             string   `yaml:"command"`
	Speaker             string   `yaml:"speaker"`
	DefaultLanguage     string   `yaml:"default_language"`
	Pitch               float64  `yaml:"pitch"`
	Pace                float64  `yaml:"pace"`
	Loudness            float64  `yaml:"loudness"`
	EnablePreprocessing bool     `yaml:"enable_preprocessing"`
	SampleRate          int      `yaml:"sample_rate"`
	Channels            int      `yaml:"channels"`
	TimeoutMS           int      `yaml:"timeout_ms"`
	CacheSize           int      `yaml:"cache_size"`
	Prewarm             bool     `yaml:"prewarm"`
	PrewarmPhrases      []string `yaml:"prewarm_phrases"`
}

type ResponseCacheConfig struct {
	Driver     string `yaml:"driver"` // memory, redis
	MaxEntries int    `yaml:"max_entries"`
	TTLMS      int    `yaml:"ttl_ms"`
	RedisURL   string `yaml:"redis_url"`
	KeyPrefix  string `yaml:"key_prefix"`
}

type SessionConfig struct {
	IdleTimeoutMS   int `yaml:"idle_timeout_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
	MaxAudioBytes   int `yaml:"max_audio_bytes"`
}

type PipelineConfig struct {
	SpeculativeTTS      bool `yaml:"speculative_tts"`
	SpeculativeMaxChars int  `yaml:"speculative_max_chars"`
}

// Demo reports whether the upstream credential is missing or still the
// placeholder, in which case every adapter answers with fixed demo values.
func (u UpstreamConfig) Demo() bool {
	key := strings.TrimSpace(u.APIKey)
	return key == "" || key == PlaceholderAPIKey
}

func (s STTConfig) Timeout() time.Duration { return millis(s.TimeoutMS) }

func (l LLMConfig) Timeout() time.Duration { return millis(l.TimeoutMS) }

func (l LLMConfig) ChatTimeout() time.Duration { return millis(l.ChatTimeoutMS) }

func (t TTSConfig) Timeout() time.Duration { return millis(t.TimeoutMS) }

func (r ResponseCacheConfig) TTL() time.Duration { return millis(r.TTLMS) }

func (s SessionConfig) IdleTimeout() time.Duration { return millis(s.IdleTimeoutMS) }

func (s SessionConfig) SweepInterval() time.Duration { return millis(s.SweepIntervalMS) }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            3555,
			WSPath:          "/ws",
			MaxMessageBytes: 10 << 20,
			MaxUploadBytes:  10 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "voice",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voice-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.sarvam.ai",
			APIKey:  PlaceholderAPIKey,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeoutMS:    30000,
			},
		},
		STT: STTConfig{
			Mode:       "sarvam",
			Model:      "saarika:v2",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  15000,
		},
		LLM: LLMConfig{
			Mode:             "sarvam",
			Endpoint:         "http://localhost:11434",
			Model:            "sarvam-m",
			SystemPrompt:     "You are a helpful, friendly assistant. Keep responses very concise (1-2 sentences max), natural, and conversational. Respond quickly and efficiently.",
			MaxTokens:        80,
			Temperature:      0.6,
			ChatSystemPrompt: "You are a helpful, friendly, and conversational assistant. Keep responses concise and natural. Respond in a warm, human-like manner. Do not use emojis in your responses.",
			ChatMaxTokens:    150,
			ChatTemperature:  0.7,
			ChatHistoryLimit: 10,
			TimeoutMS:        12000,
			ChatTimeoutMS:    30000,
		},
		TTS: TTSConfig{
			Mode:                "sarvam",
			Speaker:             "vidya",
			DefaultLanguage:     "en-IN",
			Pitch:               0,
			Pace:                1.25,
			Loudness:            1.0,
			EnablePreprocessing: true,
			SampleRate:          22050,
			Channels:            1,
			TimeoutMS:           12000,
			CacheSize:           100,
			Prewarm:             true,
			PrewarmPhrases: []string{
				"Hello! How can I help you today?",
				"Hi there! What can I do for you?",
				"Thank you for using our service.",
				"You're welcome! Is there anything else I can help with?",
				"I apologize, but I did not understand that.",
				"Could you please repeat that?",
				"Let me help you with that.",
				"Is there anything else you need?",
			},
		},
		ResponseCache: ResponseCacheConfig{
			Driver:     "memory",
			MaxEntries: 1000,
			TTLMS:      3600000,
			KeyPrefix:  "voice:response:",
		},
		Session: SessionConfig{
			IdleTimeoutMS:   120000,
			SweepIntervalMS: 15000,
			MaxAudioBytes:   10 << 20,
		},
		Pipeline: PipelineConfig{
			SpeculativeTTS:      true,
			SpeculativeMaxChars: 50,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.WSPath, "LOQA_HTTP_WS_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Bus.Services, "LOQA_BUS_SERVICES")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Upstream.BaseURL, "LOQA_UPSTREAM_BASE_URL")
	overrideString(&cfg.Upstream.APIKey, "SARVAM_API_KEY")
	overrideString(&cfg.Upstream.APIKey, "LOQA_UPSTREAM_API_KEY")
	overrideBool(&cfg.Upstream.Breaker.Enabled, "LOQA_UPSTREAM_BREAKER_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.LanguageHint, "LOQA_STT_LANGUAGE_HINT")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Speaker, "LOQA_TTS_SPEAKER")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.CacheSize, "LOQA_TTS_CACHE_SIZE")
	overrideBool(&cfg.TTS.Prewarm, "LOQA_TTS_PREWARM")
	overrideString(&cfg.ResponseCache.Driver, "LOQA_RESPONSE_CACHE_DRIVER")
	overrideInt(&cfg.ResponseCache.MaxEntries, "LOQA_RESPONSE_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.ResponseCache.TTLMS, "LOQA_RESPONSE_CACHE_TTL_MS")
	overrideString(&cfg.ResponseCache.RedisURL, "REDIS_URL")
	overrideString(&cfg.ResponseCache.RedisURL, "LOQA_RESPONSE_CACHE_REDIS_URL")
	overrideInt(&cfg.Session.IdleTimeoutMS, "LOQA_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxAudioBytes, "LOQA_SESSION_MAX_AUDIO_BYTES")
	overrideBool(&cfg.Pipeline.SpeculativeTTS, "LOQA_PIPELINE_SPECULATIVE_TTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.HTTP.WSPath, "/") {
		return errors.New("http.ws_path must start with /")
	}
	if cfg.HTTP.MaxMessageBytes <= 0 {
		return errors.New("http.max_message_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url must not be empty")
	}
	switch cfg.STT.Mode {
	case "sarvam", "demo":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of sarvam|exec|demo")
	}
	if cfg.STT.SampleRate <= 0 || cfg.STT.Channels <= 0 {
		return errors.New("stt.sample_rate and stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "sarvam", "demo":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of sarvam|ollama|exec|demo")
	}
	if cfg.LLM.MaxTokens < 0 || cfg.LLM.ChatMaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "sarvam", "demo":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of sarvam|exec|demo")
	}
	if cfg.TTS.CacheSize <= 0 {
		return errors.New("tts.cache_size must be positive")
	}
	if cfg.STT.TimeoutMS <= 0 || cfg.LLM.TimeoutMS <= 0 || cfg.TTS.TimeoutMS <= 0 {
		return errors.New("adapter timeouts must be positive")
	}
	switch cfg.ResponseCache.Driver {
	case "memory":
	case "redis":
		if cfg.ResponseCache.RedisURL == "" {
			return errors.New("response_cache.redis_url must be set when driver=redis")
		}
	default:
		return errors.New("response_cache.driver must be one of memory|redis")
	}
	if cfg.ResponseCache.MaxEntries < 0 || cfg.ResponseCache.TTLMS < 0 {
		return errors.New("response_cache bounds must be >= 0")
	}
	if cfg.Session.MaxAudioBytes <= 0 {
		return errors.New("session.max_audio_bytes must be positive")
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.SpeculativeMaxChars < 0 {
		return errors.New("pipeline.speculative_max_chars must be >= 0")
	}
	return nil
}
