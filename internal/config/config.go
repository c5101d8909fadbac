package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/livevoice/internal/announce"
	"github.com/loqalabs/livevoice/internal/rules"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
	// TraceSampleRatio is the fraction of root traces kept, in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Fanout      FanoutConfig      `yaml:"fanout"`
	Announce    announce.Settings `yaml:"announce"`
	Rules       []rules.Rule      `yaml:"rules"`
	TTS         TTSConfig         `yaml:"tts"`
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
	Stream         string   `yaml:"stream"`
	StreamMaxAge   int      `yaml:"stream_max_age_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// GatewayConfig configures live-room sessions. Token and Cookie come from the
// login flow, which lives outside this process.
type GatewayConfig struct {
	URL                 string  `yaml:"url"`
	UID                 int64   `yaml:"uid"`
	Token               string  `yaml:"token"`
	Buvid               string  `yaml:"buvid"`
	Cookie              string  `yaml:"cookie"`
	UserAgent           string  `yaml:"user_agent"`
	ProtoVer            int     `yaml:"protover"`
	Platform            string  `yaml:"platform"`
	AuthType            int     `yaml:"auth_type"`
	DialTimeoutMS       int     `yaml:"dial_timeout_ms"`
	AuthTimeoutMS       int     `yaml:"auth_timeout_ms"`
	HeartbeatIntervalMS int     `yaml:"heartbeat_interval_ms"`
	BackoffInitialMS    int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS        int     `yaml:"backoff_max_ms"`
	MaxFrameBytes       int     `yaml:"max_frame_bytes"`
	MaxRooms            int     `yaml:"max_rooms"`
	Rooms               []int64 `yaml:"rooms"`
	IdleGraceMS         int     `yaml:"idle_grace_ms"`
	StaleAfterMS        int     `yaml:"stale_after_ms"`
}

type FanoutConfig struct {
	Buffer int `yaml:"buffer"`
}

type TTSConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Engine         string         `yaml:"engine"` // mock, exec, gradio
	Command        string         `yaml:"command"`
	Voice          string         `yaml:"voice"`
	Speed          float64        `yaml:"speed"`
	SampleRate     int            `yaml:"sample_rate"`
	Channels       int            `yaml:"channels"`
	Capacity       int            `yaml:"capacity"`
	OverflowPolicy string         `yaml:"overflow_policy"`
	GainDB         float64        `yaml:"gain_db"`
	SynthTimeoutMS int            `yaml:"synth_timeout_ms"`
	Playback       PlaybackConfig `yaml:"playback"`
	Gradio         GradioConfig   `yaml:"gradio"`
}

type PlaybackConfig struct {
	Mode    string `yaml:"mode"` // mock, exec, speaker
	Command string `yaml:"command"`
}

// GradioConfig mirrors the GPT-SoVITS WebUI inference parameters.
type GradioConfig struct {
	URL               string  `yaml:"url"`
	SovitsModel       string  `yaml:"sovits_model"`
	GPTModel          string  `yaml:"gpt_model"`
	TextLang          string  `yaml:"text_lang"`
	RefAudioPath      string  `yaml:"ref_audio_path"`
	RefTextPath       string  `yaml:"ref_text_path"`
	TopK              int     `yaml:"top_k"`
	TopP              float64 `yaml:"top_p"`
	Temperature       float64 `yaml:"temperature"`
	TextSplitMethod   string  `yaml:"text_split_method"`
	BatchSize         int     `yaml:"batch_size"`
	SpeedFactor       float64 `yaml:"speed_factor"`
	RefTextFree       bool    `yaml:"ref_text_free"`
	SplitBucket       bool    `yaml:"split_bucket"`
	FragmentInterval  float64 `yaml:"fragment_interval"`
	Seed              int     `yaml:"seed"`
	KeepRandom        bool    `yaml:"keep_random"`
	ParallelInfer     bool    `yaml:"parallel_infer"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	SampleSteps       string  `yaml:"sample_steps"`
	SuperSampling     bool    `yaml:"super_sampling"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
	ProbeIntervalMS   int     `yaml:"probe_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "livevoice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Stream:         "LIVEVOICE",
			StreamMaxAge:   24,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/livevoice-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Gateway: GatewayConfig{
			URL:                 "wss://broadcastlv.chat.bilibili.com/sub",
			UserAgent:           "Mozilla/5.0 livevoice",
			ProtoVer:            3,
			Platform:            "web",
			AuthType:            2,
			DialTimeoutMS:       10000,
			AuthTimeoutMS:       10000,
			HeartbeatIntervalMS: 30000,
			BackoffInitialMS:    1000,
			BackoffMaxMS:        30000,
			MaxFrameBytes:       16 << 20,
			MaxRooms:            1,
			IdleGraceMS:         3000,
			StaleAfterMS:        90000,
		},
		Fanout: FanoutConfig{
			Buffer: 256,
		},
		Announce: announce.DefaultSettings(),
		TTS: TTSConfig{
			Enabled:        true,
			Engine:         "mock",
			SampleRate:     32000,
			Channels:       1,
			Speed:          1.0,
			Capacity:       5,
			OverflowPolicy: "reject",
			SynthTimeoutMS: 60000,
			Playback: PlaybackConfig{
				Mode:    "mock",
				Command: "ffplay -autoexit -nodisp -loglevel error -f wav -i pipe:0",
			},
			Gradio: GradioConfig{
				URL:               "http://localhost:9872/",
				TextLang:          "English",
				TopK:              5,
				TopP:              1.0,
				Temperature:       1.0,
				TextSplitMethod:   "No slice",
				BatchSize:         20,
				SpeedFactor:       1.0,
				SplitBucket:       true,
				FragmentInterval:  0.3,
				Seed:              -1,
				KeepRandom:        true,
				ParallelInfer:     true,
				RepetitionPenalty: 1.35,
				SampleSteps:       "32",
				RequestTimeoutMS:  60000,
				ProbeIntervalMS:   5000,
			},
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
	overrideString(&cfg.RuntimeName, "LIVEVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIVEVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIVEVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIVEVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LIVEVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIVEVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIVEVOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LIVEVOICE_TELEMETRY_STDOUT_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LIVEVOICE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LIVEVOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LIVEVOICE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LIVEVOICE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LIVEVOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIVEVOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIVEVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIVEVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIVEVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIVEVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIVEVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIVEVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Stream, "LIVEVOICE_BUS_STREAM")
	overrideString(&cfg.EventStore.Path, "LIVEVOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LIVEVOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LIVEVOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LIVEVOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LIVEVOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Gateway.URL, "LIVEVOICE_GATEWAY_URL")
	overrideInt64(&cfg.Gateway.UID, "LIVEVOICE_GATEWAY_UID")
	overrideString(&cfg.Gateway.Token, "LIVEVOICE_GATEWAY_TOKEN")
	overrideString(&cfg.Gateway.Buvid, "LIVEVOICE_GATEWAY_BUVID")
	overrideString(&cfg.Gateway.Cookie, "LIVEVOICE_GATEWAY_COOKIE")
	overrideInt(&cfg.Gateway.HeartbeatIntervalMS, "LIVEVOICE_GATEWAY_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Gateway.MaxRooms, "LIVEVOICE_GATEWAY_MAX_ROOMS")
	overrideInt64Slice(&cfg.Gateway.Rooms, "LIVEVOICE_GATEWAY_ROOMS")
	overrideInt(&cfg.Fanout.Buffer, "LIVEVOICE_FANOUT_BUFFER")
	overrideFloat(&cfg.Announce.MinPrice, "LIVEVOICE_ANNOUNCE_MIN_PRICE")
	overrideBool(&cfg.TTS.Enabled, "LIVEVOICE_TTS_ENABLED")
	overrideString(&cfg.TTS.Engine, "LIVEVOICE_TTS_ENGINE")
	overrideString(&cfg.TTS.Command, "LIVEVOICE_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LIVEVOICE_TTS_VOICE")
	overrideInt(&cfg.TTS.Capacity, "LIVEVOICE_TTS_CAPACITY")
	overrideString(&cfg.TTS.OverflowPolicy, "LIVEVOICE_TTS_OVERFLOW_POLICY")
	overrideFloat(&cfg.TTS.GainDB, "LIVEVOICE_TTS_GAIN_DB")
	overrideString(&cfg.TTS.Playback.Mode, "LIVEVOICE_TTS_PLAYBACK_MODE")
	overrideString(&cfg.TTS.Playback.Command, "LIVEVOICE_TTS_PLAYBACK_COMMAND")
	overrideString(&cfg.TTS.Gradio.URL, "LIVEVOICE_TTS_GRADIO_URL")
	overrideString(&cfg.TTS.Gradio.SovitsModel, "LIVEVOICE_TTS_GRADIO_SOVITS_MODEL")
	overrideString(&cfg.TTS.Gradio.GPTModel, "LIVEVOICE_TTS_GRADIO_GPT_MODEL")
	overrideString(&cfg.TTS.Gradio.RefAudioPath, "LIVEVOICE_TTS_GRADIO_REF_AUDIO_PATH")
	overrideString(&cfg.TTS.Gradio.RefTextPath, "LIVEVOICE_TTS_GRADIO_REF_TEXT_PATH")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideInt64Slice(target *[]int64, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var parsed []int64
	for _, s := range splitList(value) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return
		}
		parsed = append(parsed, n)
	}
	*target = parsed
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
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	if cfg.Gateway.URL == "" {
		return errors.New("gateway.url must not be empty")
	}
	if cfg.Gateway.HeartbeatIntervalMS <= 0 {
		return errors.New("gateway.heartbeat_interval_ms must be positive")
	}
	if cfg.Gateway.AuthTimeoutMS <= 0 {
		return errors.New("gateway.auth_timeout_ms must be positive")
	}
	if cfg.Gateway.BackoffInitialMS <= 0 || cfg.Gateway.BackoffMaxMS < cfg.Gateway.BackoffInitialMS {
		return errors.New("gateway.backoff_max_ms must be >= backoff_initial_ms > 0")
	}
	if cfg.Gateway.MaxRooms < 0 {
		return errors.New("gateway.max_rooms must be >= 0")
	}
	if cfg.Gateway.MaxRooms > 0 && len(cfg.Gateway.Rooms) > cfg.Gateway.MaxRooms {
		return fmt.Errorf("gateway.rooms lists %d rooms but max_rooms is %d", len(cfg.Gateway.Rooms), cfg.Gateway.MaxRooms)
	}
	for _, room := range cfg.Gateway.Rooms {
		if room <= 0 {
			return errors.New("gateway.rooms entries must be positive")
		}
	}
	if cfg.Fanout.Buffer <= 0 {
		return errors.New("fanout.buffer must be positive")
	}
	if cfg.Announce.MinPrice < 0 {
		return errors.New("announce.min_price must be >= 0")
	}
	if err := rules.Validate(cfg.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	switch cfg.TTS.Engine {
	case "mock", "exec", "gradio":
	default:
		return errors.New("tts.engine must be one of mock|exec|gradio")
	}
	if cfg.TTS.Engine == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when engine=exec")
	}
	if cfg.TTS.Engine == "gradio" && cfg.TTS.Gradio.URL == "" {
		return errors.New("tts.gradio.url must be set when engine=gradio")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Capacity <= 0 {
		return errors.New("tts.capacity must be positive")
	}
	switch strings.ToLower(cfg.TTS.OverflowPolicy) {
	case "reject", "evict":
	default:
		return errors.New("tts.overflow_policy must be one of reject|evict")
	}
	switch cfg.TTS.Playback.Mode {
	case "mock", "speaker":
	case "exec":
		if cfg.TTS.Playback.Command == "" {
			return errors.New("tts.playback.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.playback.mode must be one of mock|exec|speaker")
	}
	return nil
}
