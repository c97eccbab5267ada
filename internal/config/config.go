package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // json, text
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	ClientName  string           `yaml:"client_name"`
	Environment string           `yaml:"environment"`
	API         APIConfig        `yaml:"api"`
	Capture     CaptureConfig    `yaml:"capture"`
	Playback    PlaybackConfig   `yaml:"playback"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Language  string `yaml:"language"`
	Voice     string `yaml:"voice"`
	STTMode   string `yaml:"stt_mode"` // http, mock
	TTSMode   string `yaml:"tts_mode"` // http, mock
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // exec, mock
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Directory  string `yaml:"directory"`
}

type PlaybackConfig struct {
	Mode         string `yaml:"mode"` // exec, mock
	Command      string `yaml:"command"`
	CacheEntries int    `yaml:"cache_entries"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ClientName:  "bookwise",
		Environment: "development",
		API: APIConfig{
			BaseURL:   "http://localhost:8000",
			TimeoutMS: 120000,
			Language:  "en",
			Voice:     "nova",
			STTMode:   "http",
			TTSMode:   "http",
		},
		Capture: CaptureConfig{
			Mode:       "exec",
			Command:    "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			SampleRate: 16000,
			Channels:   1,
			Directory:  "./data/recordings",
		},
		Playback: PlaybackConfig{
			Mode:         "exec",
			Command:      "mpg123 -q -",
			CacheEntries: 32,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "text",
			OTLPInsecure:  true,
			TraceExporter: "none",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/bookwise-journal.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   200,
		},
	}
}

// Load reads path (optional), then .env, then BOOKWISE_* overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	loadDotEnv()
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv() {
	file := ".env"
	if custom, ok := os.LookupEnv("BOOKWISE_DOTENV"); ok && strings.TrimSpace(custom) != "" {
		file = custom
	}
	if _, err := os.Stat(file); err != nil {
		return
	}
	_ = godotenv.Load(file)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ClientName, "BOOKWISE_CLIENT_NAME")
	overrideString(&cfg.Environment, "BOOKWISE_ENVIRONMENT")
	overrideString(&cfg.API.BaseURL, "BOOKWISE_API_BASE_URL")
	overrideInt(&cfg.API.TimeoutMS, "BOOKWISE_API_TIMEOUT_MS")
	overrideString(&cfg.API.Language, "BOOKWISE_API_LANGUAGE")
	overrideString(&cfg.API.Voice, "BOOKWISE_API_VOICE")
	overrideString(&cfg.API.STTMode, "BOOKWISE_API_STT_MODE")
	overrideString(&cfg.API.TTSMode, "BOOKWISE_API_TTS_MODE")
	overrideString(&cfg.Capture.Mode, "BOOKWISE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "BOOKWISE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "BOOKWISE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "BOOKWISE_CAPTURE_CHANNELS")
	overrideString(&cfg.Capture.Directory, "BOOKWISE_CAPTURE_DIRECTORY")
	overrideString(&cfg.Playback.Mode, "BOOKWISE_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "BOOKWISE_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.CacheEntries, "BOOKWISE_PLAYBACK_CACHE_ENTRIES")
	overrideBool(&cfg.HTTP.Enabled, "BOOKWISE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "BOOKWISE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BOOKWISE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BOOKWISE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "BOOKWISE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BOOKWISE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BOOKWISE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "BOOKWISE_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Enabled, "BOOKWISE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BOOKWISE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BOOKWISE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "BOOKWISE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BOOKWISE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BOOKWISE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BOOKWISE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BOOKWISE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BOOKWISE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "BOOKWISE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "BOOKWISE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "BOOKWISE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "BOOKWISE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "BOOKWISE_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		return errors.New("api.base_url must not be empty")
	}
	if cfg.API.TimeoutMS < 0 {
		return errors.New("api.timeout_ms must be >= 0")
	}
	if cfg.API.Voice == "" {
		return errors.New("api.voice must not be empty")
	}
	switch cfg.API.STTMode {
	case "http", "mock":
	default:
		return errors.New("api.stt_mode must be one of http|mock")
	}
	switch cfg.API.TTSMode {
	case "http", "mock":
	default:
		return errors.New("api.tts_mode must be one of http|mock")
	}
	switch cfg.Capture.Mode {
	case "exec", "mock":
	default:
		return errors.New("capture.mode must be one of exec|mock")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Playback.Mode {
	case "exec", "mock":
	default:
		return errors.New("playback.mode must be one of exec|mock")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.CacheEntries < 0 {
		return errors.New("playback.cache_entries must be >= 0")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
