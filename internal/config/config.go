package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Presence    PresenceConfig  `yaml:"presence"`
	Store       StoreConfig     `yaml:"store"`
	Floor       FloorConfig     `yaml:"floor"`
	STT         STTConfig       `yaml:"stt"`
	Translate   TranslateConfig `yaml:"translate"`
	TTS         TTSConfig       `yaml:"tts"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Captions    CaptionsConfig  `yaml:"captions"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PresenceConfig controls how quickly a silent participant is considered
// disconnected.
type PresenceConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
	SweepInterval    int `yaml:"sweep_interval_ms"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // sqlite, natskv, postgres, memory
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	Bucket        string `yaml:"bucket"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSegments   int    `yaml:"max_segments"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type FloorConfig struct {
	LeaseTTL       int `yaml:"lease_ttl_ms"`
	RenewThreshold int `yaml:"renew_threshold_ms"`
}

type STTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"` // mock, deepgram
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	Language       string   `yaml:"language"`
	Keywords       []string `yaml:"keywords"`
	SampleRate     int      `yaml:"sample_rate"`
	Channels       int      `yaml:"channels"`
	EndpointingMS  int      `yaml:"endpointing_ms"`
	PartialEveryMS int      `yaml:"partial_every_ms"`
}

type TranslateConfig struct {
	Mode           string  `yaml:"mode"` // mock, ollama, google, exec
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TargetLanguage string  `yaml:"target_language"`
	TimeoutMS      int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec, cartesia
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	FrameMS         int `yaml:"frame_ms"`
	LookaheadMS     int `yaml:"lookahead_ms"`
	InitialBufferMS int `yaml:"initial_buffer_ms"`
	PollMS          int `yaml:"poll_ms"`
	FadeMS          int `yaml:"fade_ms"`
}

type CaptionsConfig struct {
	MaxHistory      int  `yaml:"max_history"`
	FrameIntervalMS int  `yaml:"frame_interval_ms"`
	UseAudioClock   bool `yaml:"use_audio_clock"`
}

func Default() Config {
	return Config{
		RuntimeName: "orbit-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Presence: PresenceConfig{
			HeartbeatTimeout: 6000,
			SweepInterval:    1000,
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "./data/orbit.db",
			Bucket:        "floor_leases",
			RetentionDays: 30,
			MaxSegments:   100000,
		},
		Floor: FloorConfig{
			LeaseTTL:       60 * 60 * 1000,
			RenewThreshold: 30 * 60 * 1000,
		},
		STT: STTConfig{
			Enabled:        true,
			Mode:           "mock",
			Endpoint:       "wss://api.deepgram.com/v1/listen",
			Model:          "nova-3",
			Language:       "multi",
			SampleRate:     48000,
			Channels:       1,
			EndpointingMS:  100,
			PartialEveryMS: 400,
		},
		Translate: TranslateConfig{
			Mode:           "mock",
			Model:          "llama3.2:latest",
			Temperature:    0.3,
			TargetLanguage: "auto",
			TimeoutMS:      45000,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			Endpoint:   "https://api.cartesia.ai/tts/bytes",
			Model:      "sonic-2",
			SampleRate: 24000,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Playback: PlaybackConfig{
			SampleRate:      24000,
			FrameMS:         320,
			LookaheadMS:     200,
			InitialBufferMS: 50,
			PollMS:          100,
			FadeMS:          100,
		},
		Captions: CaptionsConfig{
			MaxHistory:      30,
			FrameIntervalMS: 33,
			UseAudioClock:   true,
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ORBIT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ORBIT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ORBIT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ORBIT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ORBIT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ORBIT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ORBIT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ORBIT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "ORBIT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ORBIT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ORBIT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ORBIT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ORBIT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ORBIT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ORBIT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ORBIT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ORBIT_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "ORBIT_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Presence.SweepInterval, "ORBIT_PRESENCE_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Store.Driver, "ORBIT_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "ORBIT_STORE_PATH")
	overrideString(&cfg.Store.DSN, "ORBIT_STORE_DSN")
	overrideString(&cfg.Store.Bucket, "ORBIT_STORE_BUCKET")
	overrideInt(&cfg.Store.RetentionDays, "ORBIT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSegments, "ORBIT_STORE_MAX_SEGMENTS")
	overrideBool(&cfg.Store.VacuumOnStart, "ORBIT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Floor.LeaseTTL, "ORBIT_FLOOR_LEASE_TTL_MS")
	overrideInt(&cfg.Floor.RenewThreshold, "ORBIT_FLOOR_RENEW_THRESHOLD_MS")
	overrideBool(&cfg.STT.Enabled, "ORBIT_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "ORBIT_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "ORBIT_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "ORBIT_STT_API_KEY")
	overrideString(&cfg.STT.Model, "ORBIT_STT_MODEL")
	overrideString(&cfg.STT.Language, "ORBIT_STT_LANGUAGE")
	overrideStringSlice(&cfg.STT.Keywords, "ORBIT_STT_KEYWORDS")
	overrideInt(&cfg.STT.SampleRate, "ORBIT_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "ORBIT_STT_CHANNELS")
	overrideInt(&cfg.STT.EndpointingMS, "ORBIT_STT_ENDPOINTING_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "ORBIT_STT_PARTIAL_EVERY_MS")
	overrideString(&cfg.Translate.Mode, "ORBIT_TRANSLATE_MODE")
	overrideString(&cfg.Translate.Endpoint, "ORBIT_TRANSLATE_ENDPOINT")
	overrideString(&cfg.Translate.APIKey, "ORBIT_TRANSLATE_API_KEY")
	overrideString(&cfg.Translate.Command, "ORBIT_TRANSLATE_COMMAND")
	overrideString(&cfg.Translate.Model, "ORBIT_TRANSLATE_MODEL")
	overrideFloat(&cfg.Translate.Temperature, "ORBIT_TRANSLATE_TEMPERATURE")
	overrideString(&cfg.Translate.TargetLanguage, "ORBIT_TRANSLATE_TARGET_LANGUAGE")
	overrideInt(&cfg.Translate.TimeoutMS, "ORBIT_TRANSLATE_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "ORBIT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "ORBIT_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "ORBIT_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "ORBIT_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "ORBIT_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "ORBIT_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "ORBIT_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "ORBIT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "ORBIT_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "ORBIT_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Playback.SampleRate, "ORBIT_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.FrameMS, "ORBIT_PLAYBACK_FRAME_MS")
	overrideInt(&cfg.Playback.LookaheadMS, "ORBIT_PLAYBACK_LOOKAHEAD_MS")
	overrideInt(&cfg.Playback.InitialBufferMS, "ORBIT_PLAYBACK_INITIAL_BUFFER_MS")
	overrideInt(&cfg.Playback.PollMS, "ORBIT_PLAYBACK_POLL_MS")
	overrideInt(&cfg.Playback.FadeMS, "ORBIT_PLAYBACK_FADE_MS")
	overrideInt(&cfg.Captions.MaxHistory, "ORBIT_CAPTIONS_MAX_HISTORY")
	overrideInt(&cfg.Captions.FrameIntervalMS, "ORBIT_CAPTIONS_FRAME_INTERVAL_MS")
	overrideBool(&cfg.Captions.UseAudioClock, "ORBIT_CAPTIONS_USE_AUDIO_CLOCK")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Presence.HeartbeatTimeout <= 0 {
		return errors.New("presence.heartbeat_timeout_ms must be positive")
	}
	if cfg.Presence.SweepInterval <= 0 {
		return errors.New("presence.sweep_interval_ms must be positive")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when driver=sqlite")
		}
	case "natskv":
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket must not be empty when driver=natskv")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn must not be empty when driver=postgres")
		}
	default:
		return errors.New("store.driver must be one of memory|sqlite|natskv|postgres")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Floor.LeaseTTL <= 0 {
		return errors.New("floor.lease_ttl_ms must be positive")
	}
	if cfg.Floor.RenewThreshold < 0 || cfg.Floor.RenewThreshold > cfg.Floor.LeaseTTL {
		return errors.New("floor.renew_threshold_ms must be between 0 and floor.lease_ttl_ms")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "deepgram":
		default:
			return errors.New("stt.mode must be one of mock|deepgram")
		}
		if cfg.STT.Mode == "deepgram" && cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=deepgram")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	switch cfg.Translate.Mode {
	case "mock":
	case "ollama":
	case "google":
		if cfg.Translate.APIKey == "" {
			return errors.New("translate.api_key must be set when mode=google")
		}
	case "exec":
		if cfg.Translate.Command == "" {
			return errors.New("translate.command must be set when mode=exec")
		}
	default:
		return errors.New("translate.mode must be one of mock|ollama|google|exec")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "cartesia":
		default:
			return errors.New("tts.mode must be one of mock|exec|cartesia")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "cartesia" && cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=cartesia")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if cfg.Playback.FrameMS <= 0 {
		return errors.New("playback.frame_ms must be positive")
	}
	if cfg.Playback.LookaheadMS <= 0 || cfg.Playback.PollMS <= 0 {
		return errors.New("playback.lookahead_ms and playback.poll_ms must be positive")
	}
	if cfg.Playback.InitialBufferMS < 0 || cfg.Playback.FadeMS < 0 {
		return errors.New("playback.initial_buffer_ms and playback.fade_ms must be >= 0")
	}
	if cfg.Captions.MaxHistory <= 0 {
		return errors.New("captions.max_history must be positive")
	}
	if cfg.Captions.FrameIntervalMS <= 0 {
		return errors.New("captions.frame_interval_ms must be positive")
	}
	return nil
}
