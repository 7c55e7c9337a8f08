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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	Registry     RegistryConfig     `yaml:"registry"`
	Router       RouterConfig       `yaml:"router"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Audio        AudioConfig        `yaml:"audio"`
	Face         FaceConfig         `yaml:"face"`
}

type BusConfig struct {
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

	// Embedded servers on several nodes form a NATS cluster when ClusterPort
	// is set and Routes lists the peers.
	ServerName  string   `yaml:"server_name"`
	ClusterName string   `yaml:"cluster_name"`
	ClusterPort int      `yaml:"cluster_port"`
	Routes      []string `yaml:"routes"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// RegistryConfig selects the shared session/rate-limit registry backend.
type RegistryConfig struct {
	Backend      string `yaml:"backend"` // memory, redis, nats
	SessionTTLMS int    `yaml:"session_ttl_ms"`
	KeyPrefix    string `yaml:"key_prefix"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPass    string `yaml:"redis_password"`
	RedisDB      int    `yaml:"redis_db"`
	NATSBucket   string `yaml:"nats_bucket"`
}

type RouterConfig struct {
	Path              string   `yaml:"path"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
	RateLimitMax      int      `yaml:"rate_limit_max"`
	RateLimitWindowMS int      `yaml:"rate_limit_window_ms"`
	MaxMessageBytes   int64    `yaml:"max_message_bytes"`
	WriteTimeoutMS    int      `yaml:"write_timeout_ms"`
	MaxConnections    int      `yaml:"max_connections"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, http
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// LLMConfig drives the reply service that answers chat messages.
type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	System       string  `yaml:"system"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	HistoryTurns int     `yaml:"history_turns"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, http
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
}

type AudioConfig struct {
	FrameRateHz       int     `yaml:"frame_rate_hz"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
	ThresholdDB       float64 `yaml:"threshold_db"`
	FFTSize           int     `yaml:"fft_size"`
	SampleRate        int     `yaml:"sample_rate"`
}

type FaceConfig struct {
	MappingFile     string `yaml:"mapping_file"`
	FallbackChannel string `yaml:"fallback_channel"`
	BlendWindowMS   int    `yaml:"blend_window_ms"`
	TransitionMS    int    `yaml:"transition_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
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
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "avatar-node-1",
			Role:              "router",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Registry: RegistryConfig{
			Backend:      "memory",
			SessionTTLMS: 3600000,
			KeyPrefix:    "ws:",
			RedisAddr:    "localhost:6379",
			NATSBucket:   "avatar_registry",
		},
		Router: RouterConfig{
			Path:              "/ws",
			HeartbeatInterval: 30000,
			RateLimitMax:      100,
			RateLimitWindowMS: 60000,
			MaxMessageBytes:   1 << 20,
			WriteTimeoutMS:    5000,
			MaxConnections:    1000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/avatar-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en",
			TimeoutMS: 15000,
		},
		LLM: LLMConfig{
			Enabled:      false,
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			System:       "You are a friendly assistant speaking through an animated avatar. Keep replies short.",
			MaxTokens:    256,
			Temperature:  0.7,
			TimeoutMS:    60000,
			HistoryTurns: 12,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  20000,
			MaxRetries: 2,
		},
		Audio: AudioConfig{
			FrameRateHz:       60,
			SilenceDurationMS: 2000,
			ThresholdDB:       -50,
			FFTSize:           256,
			SampleRate:        16000,
		},
		Face: FaceConfig{
			FallbackChannel: "jawOpen",
			BlendWindowMS:   100,
			TransitionMS:    500,
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
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.ServerName, "LOQA_BUS_SERVER_NAME")
	overrideString(&cfg.Bus.ClusterName, "LOQA_BUS_CLUSTER_NAME")
	overrideInt(&cfg.Bus.ClusterPort, "LOQA_BUS_CLUSTER_PORT")
	overrideStringSlice(&cfg.Bus.Routes, "LOQA_BUS_ROUTES")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Registry.Backend, "LOQA_REGISTRY_BACKEND")
	overrideInt(&cfg.Registry.SessionTTLMS, "LOQA_REGISTRY_SESSION_TTL_MS")
	overrideString(&cfg.Registry.KeyPrefix, "LOQA_REGISTRY_KEY_PREFIX")
	overrideString(&cfg.Registry.RedisAddr, "LOQA_REGISTRY_REDIS_ADDR")
	overrideString(&cfg.Registry.RedisPass, "LOQA_REGISTRY_REDIS_PASSWORD")
	overrideInt(&cfg.Registry.RedisDB, "LOQA_REGISTRY_REDIS_DB")
	overrideString(&cfg.Registry.NATSBucket, "LOQA_REGISTRY_NATS_BUCKET")
	overrideString(&cfg.Router.Path, "LOQA_ROUTER_PATH")
	overrideInt(&cfg.Router.HeartbeatInterval, "LOQA_ROUTER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Router.RateLimitMax, "LOQA_ROUTER_RATE_LIMIT_MAX")
	overrideInt(&cfg.Router.RateLimitWindowMS, "LOQA_ROUTER_RATE_LIMIT_WINDOW_MS")
	overrideInt64(&cfg.Router.MaxMessageBytes, "LOQA_ROUTER_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Router.WriteTimeoutMS, "LOQA_ROUTER_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Router.MaxConnections, "LOQA_ROUTER_MAX_CONNECTIONS")
	overrideStringSlice(&cfg.Router.AllowedOrigins, "LOQA_ROUTER_ALLOWED_ORIGINS")
	overrideString(&cfg.SessionStore.Path, "LOQA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "LOQA_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "LOQA_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "LOQA_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "LOQA_SESSION_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.HistoryTurns, "LOQA_LLM_HISTORY_TURNS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxRetries, "LOQA_TTS_MAX_RETRIES")
	overrideInt(&cfg.Audio.FrameRateHz, "LOQA_AUDIO_FRAME_RATE_HZ")
	overrideInt(&cfg.Audio.SilenceDurationMS, "LOQA_AUDIO_SILENCE_DURATION_MS")
	overrideFloat(&cfg.Audio.ThresholdDB, "LOQA_AUDIO_THRESHOLD_DB")
	overrideInt(&cfg.Audio.FFTSize, "LOQA_AUDIO_FFT_SIZE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.Face.MappingFile, "LOQA_FACE_MAPPING_FILE")
	overrideString(&cfg.Face.FallbackChannel, "LOQA_FACE_FALLBACK_CHANNEL")
	overrideInt(&cfg.Face.BlendWindowMS, "LOQA_FACE_BLEND_WINDOW_MS")
	overrideInt(&cfg.Face.TransitionMS, "LOQA_FACE_TRANSITION_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.ClusterPort != 0 && cfg.Bus.ClusterName == "" {
			return errors.New("bus.cluster_name must be set when bus.cluster_port is set")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Registry.Backend {
	case "memory", "nats":
	case "redis":
		if cfg.Registry.RedisAddr == "" {
			return errors.New("registry.redis_addr must be set when backend=redis")
		}
	default:
		return errors.New("registry.backend must be one of memory|redis|nats")
	}
	if cfg.Registry.SessionTTLMS <= 0 {
		return errors.New("registry.session_ttl_ms must be positive")
	}
	if cfg.Registry.Backend == "nats" && cfg.Registry.NATSBucket == "" {
		return errors.New("registry.nats_bucket must be set when backend=nats")
	}
	if !strings.HasPrefix(cfg.Router.Path, "/") {
		return errors.New("router.path must start with /")
	}
	if cfg.Router.HeartbeatInterval <= 0 {
		return errors.New("router.heartbeat_interval_ms must be positive")
	}
	if cfg.Router.RateLimitMax <= 0 {
		return errors.New("router.rate_limit_max must be >= 1")
	}
	if cfg.Router.RateLimitWindowMS <= 0 {
		return errors.New("router.rate_limit_window_ms must be positive")
	}
	if cfg.Router.MaxConnections <= 0 {
		return errors.New("router.max_connections must be positive")
	}
	if cfg.Router.MaxMessageBytes <= 0 {
		return errors.New("router.max_message_bytes must be positive")
	}
	if cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock":
		case "ollama":
			if cfg.LLM.Endpoint == "" {
				return errors.New("llm.endpoint must be set when mode=ollama")
			}
		case "exec":
			if cfg.LLM.Command == "" {
				return errors.New("llm.command must be set when mode=exec")
			}
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.TimeoutMS <= 0 {
			return errors.New("llm.timeout_ms must be positive")
		}
		if cfg.LLM.HistoryTurns < 0 {
			return errors.New("llm.history_turns must be >= 0")
		}
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "http":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|http")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.MaxRetries < 0 {
		return errors.New("tts.max_retries must be >= 0")
	}
	if cfg.Audio.FrameRateHz <= 0 || cfg.Audio.FrameRateHz > 240 {
		return errors.New("audio.frame_rate_hz must be between 1 and 240")
	}
	if cfg.Audio.SilenceDurationMS <= 0 {
		return errors.New("audio.silence_duration_ms must be positive")
	}
	if cfg.Audio.ThresholdDB >= 0 {
		return errors.New("audio.threshold_db must be negative")
	}
	if cfg.Audio.FFTSize < 32 || cfg.Audio.FFTSize&(cfg.Audio.FFTSize-1) != 0 {
		return errors.New("audio.fft_size must be a power of two >= 32")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Face.FallbackChannel == "" {
		return errors.New("face.fallback_channel must not be empty")
	}
	if cfg.Face.BlendWindowMS <= 0 {
		return errors.New("face.blend_window_ms must be positive")
	}
	if cfg.Face.TransitionMS <= 0 {
		return errors.New("face.transition_ms must be positive")
	}
	return nil
}
