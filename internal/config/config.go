package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-voice/internal/style"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	LogMaxAgeDays  int    `yaml:"log_max_age_days"`
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
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Voice       VoiceConfig     `yaml:"voice"`
	TTS         TTSConfig       `yaml:"tts"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	ClientName     string   `yaml:"client_name"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type JournalConfig struct {
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxUtterances   int    `yaml:"max_utterances"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	StoreText       bool   `yaml:"store_text"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
}

// VoiceConfig describes the voice bank and the limits applied to styles.
type VoiceConfig struct {
	DictionaryDir   string   `yaml:"dictionary_dir"`
	ModelDirs       []string `yaml:"model_dirs"`
	StylesFile      string   `yaml:"styles_file"`
	DefaultStyle    string   `yaml:"default_style"`
	SamplingRate    int      `yaml:"sampling_rate"`
	AudioBufferSize int      `yaml:"audio_buffer_size"`
	MSDThreshold    float64  `yaml:"msd_threshold"`
	BaseFramePeriod int      `yaml:"base_frame_period"`
	MinFramePeriod  int      `yaml:"min_frame_period"`
	MaxFramePeriod  int      `yaml:"max_frame_period"`
	MinHalftone     float64  `yaml:"min_halftone"`
	MaxHalftone     float64  `yaml:"max_halftone"`
	MinAlpha        float64  `yaml:"min_alpha"`
	MaxAlpha        float64  `yaml:"max_alpha"`
	DefaultAlpha    float64  `yaml:"default_alpha"`
	MinVolume       float64  `yaml:"min_volume"`
	MaxVolume       float64  `yaml:"max_volume"`
	DefaultVolume   float64  `yaml:"default_volume"`
	LogF0FloorHz    float64  `yaml:"log_f0_floor_hz"`
}

// Bounds returns the style clamp limits.
func (v VoiceConfig) Bounds() style.Bounds {
	return style.Bounds{
		BasePeriod:    v.BaseFramePeriod,
		MinPeriod:     v.MinFramePeriod,
		MaxPeriod:     v.MaxFramePeriod,
		MinHalftone:   v.MinHalftone,
		MaxHalftone:   v.MaxHalftone,
		MinAlpha:      v.MinAlpha,
		MaxAlpha:      v.MaxAlpha,
		MinVolume:     v.MinVolume,
		MaxVolume:     v.MaxVolume,
		DefaultAlpha:  v.DefaultAlpha,
		DefaultVolume: v.DefaultVolume,
	}
}

// LogF0Floor returns the pitch floor in the log domain.
func (v VoiceConfig) LogF0Floor() float64 {
	return math.Log(v.LogF0FloorHz)
}

type TTSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"`
	Frontend          string `yaml:"frontend"`
	FrontendCommand   string `yaml:"frontend_command"`
	FrontendTimeoutMS int    `yaml:"frontend_timeout_ms"`
	SampleRate        int    `yaml:"sample_rate"`
	ChunkDurationMS   int    `yaml:"chunk_duration_ms"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
}

func Default() Config {
	bounds := style.DefaultBounds()
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   64,
			LogMaxBackups:  3,
			LogMaxAgeDays:  7,
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			ClientName:     "loqa-voice",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
		},
		Journal: JournalConfig{
			Path:            "./data/loqa-voice.db",
			RetentionMode:   "session",
			RetentionDays:   30,
			MaxUtterances:   10000,
			PruneIntervalMS: 3600000,
		},
		Voice: VoiceConfig{
			DictionaryDir:   "./voices/dic",
			SamplingRate:    48000,
			AudioBufferSize: 4800,
			MSDThreshold:    0.5,
			BaseFramePeriod: bounds.BasePeriod,
			MinFramePeriod:  bounds.MinPeriod,
			MaxFramePeriod:  bounds.MaxPeriod,
			MinHalftone:     bounds.MinHalftone,
			MaxHalftone:     bounds.MaxHalftone,
			MinAlpha:        bounds.MinAlpha,
			MaxAlpha:        bounds.MaxAlpha,
			DefaultAlpha:    bounds.DefaultAlpha,
			MinVolume:       bounds.MinVolume,
			MaxVolume:       bounds.MaxVolume,
			DefaultVolume:   bounds.DefaultVolume,
			LogF0FloorHz:    10,
		},
		TTS: TTSConfig{
			Enabled:           false,
			Mode:              "mock",
			Frontend:          "builtin",
			FrontendTimeoutMS: 5000,
			SampleRate:        48000,
			ChunkDurationMS:   100,
			RequestTimeoutMS:  45000,
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
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxUtterances, "LOQA_JOURNAL_MAX_UTTERANCES")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Journal.StoreText, "LOQA_JOURNAL_STORE_TEXT")
	overrideString(&cfg.Voice.DictionaryDir, "LOQA_VOICE_DICTIONARY_DIR")
	overrideStringSlice(&cfg.Voice.ModelDirs, "LOQA_VOICE_MODEL_DIRS")
	overrideString(&cfg.Voice.StylesFile, "LOQA_VOICE_STYLES_FILE")
	overrideString(&cfg.Voice.DefaultStyle, "LOQA_VOICE_DEFAULT_STYLE")
	overrideInt(&cfg.Voice.SamplingRate, "LOQA_VOICE_SAMPLING_RATE")
	overrideInt(&cfg.Voice.AudioBufferSize, "LOQA_VOICE_AUDIO_BUFFER_SIZE")
	overrideInt(&cfg.Voice.BaseFramePeriod, "LOQA_VOICE_BASE_FRAME_PERIOD")
	overrideFloat(&cfg.Voice.LogF0FloorHz, "LOQA_VOICE_LOG_F0_FLOOR_HZ")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Frontend, "LOQA_TTS_FRONTEND")
	overrideString(&cfg.TTS.FrontendCommand, "LOQA_TTS_FRONTEND_COMMAND")
	overrideInt(&cfg.TTS.FrontendTimeoutMS, "LOQA_TTS_FRONTEND_TIMEOUT_MS")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Journal.MaxUtterances < 0 {
		return errors.New("journal.max_utterances must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.LogFile != "" && cfg.Telemetry.LogMaxSizeMB <= 0 {
		return errors.New("telemetry.log_max_size_mb must be positive when log_file is set")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock":
			if cfg.TTS.SampleRate <= 0 {
				return errors.New("tts.sample_rate must be positive")
			}
		case "hts":
			if err := validateVoice(cfg.Voice); err != nil {
				return err
			}
		default:
			return errors.New("tts.mode must be one of hts|mock")
		}
		switch cfg.TTS.Frontend {
		case "builtin":
		case "exec":
			if cfg.TTS.FrontendCommand == "" {
				return errors.New("tts.frontend_command must be set when frontend=exec")
			}
		default:
			return errors.New("tts.frontend must be one of builtin|exec")
		}
		if cfg.TTS.RequestTimeoutMS <= 0 {
			return errors.New("tts.request_timeout_ms must be positive")
		}
	}
	return nil
}

func validateVoice(v VoiceConfig) error {
	if v.DictionaryDir == "" {
		return errors.New("voice.dictionary_dir must not be empty")
	}
	if len(v.ModelDirs) == 0 {
		return errors.New("voice.model_dirs must not be empty")
	}
	if v.SamplingRate <= 0 {
		return errors.New("voice.sampling_rate must be positive")
	}
	if v.AudioBufferSize <= 0 {
		return errors.New("voice.audio_buffer_size must be positive")
	}
	if v.MSDThreshold <= 0 || v.MSDThreshold >= 1 {
		return errors.New("voice.msd_threshold must lie in (0,1)")
	}
	if v.LogF0FloorHz <= 0 {
		return errors.New("voice.log_f0_floor_hz must be positive")
	}
	if err := v.Bounds().Validate(); err != nil {
		return fmt.Errorf("voice bounds: %w", err)
	}
	return nil
}
