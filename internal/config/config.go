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
	Gateway     GatewayConfig   `yaml:"gateway"`
	Speech      SpeechConfig    `yaml:"speech"`
	STT         STTConfig       `yaml:"stt"`
	Capture     CaptureConfig   `yaml:"capture"`
	Client      ClientConfig    `yaml:"client"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// GatewayConfig holds the HTTP basic-auth credentials guarding the gateway.
// An empty pair keeps the gateway from starting.
type GatewayConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Realm    string `yaml:"realm"`
}

// SpeechConfig configures issuance of short-lived speech service tokens.
type SpeechConfig struct {
	Key              string `yaml:"key"`
	Region           string `yaml:"region"`
	TokenEndpoint    string `yaml:"token_endpoint"`
	TokenTTLMS       int    `yaml:"token_ttl_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type STTConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"`
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	FrameDurationMS  int     `yaml:"frame_duration_ms"`
	PartialEveryMS   int     `yaml:"partial_every_ms"`
	PublishInterim   bool    `yaml:"publish_interim"`
	SilenceMS        int     `yaml:"silence_ms"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

type CaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`
}

// ClientConfig is read by loqa-captions only.
type ClientConfig struct {
	GatewayURL      string `yaml:"gateway_url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Backend         string `yaml:"backend"` // bus, deepgram
	DeepgramAPIKey  string `yaml:"deepgram_api_key"`
	Language        string `yaml:"language"`
	OpenTimeoutMS   int    `yaml:"open_timeout_ms"`
	CredentialTTLMS int    `yaml:"credential_ttl_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speechd",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Gateway: GatewayConfig{
			Realm: "Secure Area",
		},
		Speech: SpeechConfig{
			TokenEndpoint:    "https://{region}.api.cognitive.microsoft.com/sts/v1.0/issueToken",
			TokenTTLMS:       540000,
			RequestTimeoutMS: 10000,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			Language:         "ja-JP",
			SampleRate:       16000,
			Channels:         1,
			FrameDurationMS:  64,
			PartialEveryMS:   800,
			PublishInterim:   true,
			SilenceMS:        800,
			SilenceThreshold: 0.01,
		},
		Capture: CaptureConfig{
			SampleRate: 16000,
			FrameSize:  1024,
		},
		Client: ClientConfig{
			GatewayURL:      "http://localhost:8080",
			Backend:         "bus",
			Language:        "ja-JP",
			OpenTimeoutMS:   5000,
			CredentialTTLMS: 540000,
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
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Gateway.Username, "LOQA_GATEWAY_USERNAME")
	overrideString(&cfg.Gateway.Password, "LOQA_GATEWAY_PASSWORD")
	overrideString(&cfg.Gateway.Realm, "LOQA_GATEWAY_REALM")
	overrideString(&cfg.Speech.Key, "AZURE_SPEECH_KEY")
	overrideString(&cfg.Speech.Region, "AZURE_SPEECH_REGION")
	overrideString(&cfg.Speech.TokenEndpoint, "LOQA_SPEECH_TOKEN_ENDPOINT")
	overrideInt(&cfg.Speech.TokenTTLMS, "LOQA_SPEECH_TOKEN_TTL_MS")
	overrideInt(&cfg.Speech.RequestTimeoutMS, "LOQA_SPEECH_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.SilenceMS, "LOQA_STT_SILENCE_MS")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameSize, "LOQA_CAPTURE_FRAME_SIZE")
	overrideString(&cfg.Client.GatewayURL, "LOQA_CLIENT_GATEWAY_URL")
	overrideString(&cfg.Client.Username, "LOQA_CLIENT_USERNAME")
	overrideString(&cfg.Client.Password, "LOQA_CLIENT_PASSWORD")
	overrideString(&cfg.Client.Backend, "LOQA_CLIENT_BACKEND")
	overrideString(&cfg.Client.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Client.Language, "LOQA_CLIENT_LANGUAGE")
	overrideInt(&cfg.Client.OpenTimeoutMS, "LOQA_CLIENT_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Client.CredentialTTLMS, "LOQA_CLIENT_CREDENTIAL_TTL_MS")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Gateway.Realm == "" {
		return errors.New("gateway.realm must not be empty")
	}
	if cfg.Speech.TokenEndpoint == "" {
		return errors.New("speech.token_endpoint must not be empty")
	}
	if cfg.Speech.TokenTTLMS < 0 {
		return errors.New("speech.token_ttl_ms must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SilenceThreshold < 0 || cfg.STT.SilenceThreshold >= 1 {
			return errors.New("stt.silence_threshold must be within [0, 1)")
		}
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	switch cfg.Client.Backend {
	case "bus", "deepgram":
	default:
		return errors.New("client.backend must be one of bus|deepgram")
	}
	if cfg.Client.Backend == "deepgram" && cfg.Client.DeepgramAPIKey == "" {
		return errors.New("client.deepgram_api_key must be set when backend=deepgram")
	}
	if cfg.Client.CredentialTTLMS < 0 {
		return errors.New("client.credential_ttl_ms must be >= 0")
	}
	return nil
}
