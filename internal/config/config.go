package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
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
	Transport   TransportConfig   `yaml:"transport"`
	Transmitter TransmitterConfig `yaml:"transmitter"`
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Signal      SignalConfig      `yaml:"signal"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Channels    []ChannelConfig   `yaml:"channels"`
}

type TransportConfig struct {
	Kind           string `yaml:"kind"` // nats, mqtt, memory
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Embedded       bool   `yaml:"embedded"`
	ClientPrefix   string `yaml:"client_prefix"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Token          string `yaml:"token"`
	TLSInsecure    bool   `yaml:"tls_insecure"`
	QoS            int    `yaml:"qos"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
	InboxSize      int    `yaml:"inbox_size"`
}

type TransmitterConfig struct {
	DelayMS  int      `yaml:"delay_ms"`
	Autoplay []string `yaml:"autoplay"`
}

type ReceiverConfig struct {
	WindowWidth int    `yaml:"window_width"`
	Channel     string `yaml:"channel"`
	RefreshMS   int    `yaml:"refresh_ms"`
}

type SignalConfig struct {
	Mode    string `yaml:"mode"` // voice, exec
	Command string `yaml:"command"`
	Seed    int64  `yaml:"seed"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
}

type ChannelConfig struct {
	Name      string   `yaml:"name"`
	Duration  int      `yaml:"duration"`
	Voice     string   `yaml:"voice"`
	PitchBase float64  `yaml:"pitch_base"`
	PitchLow  float64  `yaml:"pitch_low"`
	PitchHigh float64  `yaml:"pitch_high"`
	Gradient  []string `yaml:"gradient"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-radio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Transport: TransportConfig{
			Kind:           "nats",
			Host:           "localhost",
			Port:           4222,
			Embedded:       true,
			ClientPrefix:   "loqa-radio",
			ConnectTimeout: 2000,
			InboxSize:      256,
		},
		Transmitter: TransmitterConfig{
			DelayMS: 300,
		},
		Receiver: ReceiverConfig{
			WindowWidth: 20,
			Channel:     "news",
			RefreshMS:   400,
		},
		Signal: SignalConfig{
			Mode: "voice",
			Seed: 1,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-radio-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEvents:     10000,
		},
		Channels: []ChannelConfig{
			{Name: "news", Duration: 200, Voice: "M", PitchBase: 20, PitchLow: -20, PitchHigh: -10, Gradient: []string{"#ff71cd", "#5755fe"}},
			{Name: "talk", Duration: 300, Voice: "F", PitchBase: 50, PitchLow: 0, PitchHigh: 0, Gradient: []string{"#ffd93d", "#ff6b6b"}},
			{Name: "story", Duration: 1000, Voice: "F", PitchBase: 10, PitchLow: -25, PitchHigh: -10, Gradient: []string{"#6bcb77", "#4d96ff"}},
			{Name: "sport", Duration: 500, Voice: "M", PitchBase: 100, PitchLow: 20, PitchHigh: 10, Gradient: []string{"#f4a261", "#264653"}},
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

// SlogLevel maps telemetry.log_level onto a slog level, defaulting to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(t.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RADIO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RADIO_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_RADIO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_RADIO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_RADIO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_RADIO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_RADIO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_RADIO_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Transport.Kind, "LOQA_RADIO_TRANSPORT_KIND")
	overrideString(&cfg.Transport.Host, "LOQA_RADIO_TRANSPORT_HOST")
	overrideInt(&cfg.Transport.Port, "LOQA_RADIO_TRANSPORT_PORT")
	overrideBool(&cfg.Transport.Embedded, "LOQA_RADIO_TRANSPORT_EMBEDDED")
	overrideString(&cfg.Transport.ClientPrefix, "LOQA_RADIO_TRANSPORT_CLIENT_PREFIX")
	overrideString(&cfg.Transport.Username, "LOQA_RADIO_TRANSPORT_USERNAME")
	overrideString(&cfg.Transport.Password, "LOQA_RADIO_TRANSPORT_PASSWORD")
	overrideString(&cfg.Transport.Token, "LOQA_RADIO_TRANSPORT_TOKEN")
	overrideBool(&cfg.Transport.TLSInsecure, "LOQA_RADIO_TRANSPORT_TLS_INSECURE")
	overrideInt(&cfg.Transport.QoS, "LOQA_RADIO_TRANSPORT_QOS")
	overrideInt(&cfg.Transport.ConnectTimeout, "LOQA_RADIO_TRANSPORT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Transport.InboxSize, "LOQA_RADIO_TRANSPORT_INBOX_SIZE")
	overrideInt(&cfg.Transmitter.DelayMS, "LOQA_RADIO_TRANSMITTER_DELAY_MS")
	overrideStringSlice(&cfg.Transmitter.Autoplay, "LOQA_RADIO_TRANSMITTER_AUTOPLAY")
	overrideInt(&cfg.Receiver.WindowWidth, "LOQA_RADIO_RECEIVER_WINDOW_WIDTH")
	overrideString(&cfg.Receiver.Channel, "LOQA_RADIO_RECEIVER_CHANNEL")
	overrideInt(&cfg.Receiver.RefreshMS, "LOQA_RADIO_RECEIVER_REFRESH_MS")
	overrideString(&cfg.Signal.Mode, "LOQA_RADIO_SIGNAL_MODE")
	overrideString(&cfg.Signal.Command, "LOQA_RADIO_SIGNAL_COMMAND")
	overrideInt64(&cfg.Signal.Seed, "LOQA_RADIO_SIGNAL_SEED")
	overrideString(&cfg.EventStore.Path, "LOQA_RADIO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_RADIO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_RADIO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_RADIO_EVENT_STORE_MAX_EVENTS")
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
		*target = trimmed
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Transport.Kind {
	case "nats", "mqtt", "memory":
	default:
		return errors.New("transport.kind must be one of nats|mqtt|memory")
	}
	if cfg.Transport.Kind != "memory" {
		if cfg.Transport.Host == "" {
			return errors.New("transport.host must not be empty")
		}
		if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
			return errors.New("transport.port must be between 1 and 65535")
		}
	}
	if cfg.Transport.Embedded && cfg.Transport.Kind != "nats" {
		return errors.New("transport.embedded is only supported with kind=nats")
	}
	if cfg.Transport.QoS < 0 || cfg.Transport.QoS > 2 {
		return errors.New("transport.qos must be 0, 1 or 2")
	}
	if cfg.Transport.ConnectTimeout <= 0 {
		return errors.New("transport.connect_timeout_ms must be positive")
	}
	if cfg.Transport.InboxSize <= 0 {
		return errors.New("transport.inbox_size must be positive")
	}
	if cfg.Transmitter.DelayMS <= 0 {
		return errors.New("transmitter.delay_ms must be positive")
	}
	if cfg.Receiver.WindowWidth < 1 {
		return errors.New("receiver.window_width must be >= 1")
	}
	if cfg.Receiver.RefreshMS <= 0 {
		return errors.New("receiver.refresh_ms must be positive")
	}
	switch cfg.Signal.Mode {
	case "voice":
	case "exec":
		if strings.TrimSpace(cfg.Signal.Command) == "" {
			return errors.New("signal.command must be set when mode=exec")
		}
	default:
		return errors.New("signal.mode must be one of voice|exec")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxEvents < 0 {
		return errors.New("event_store.max_events must be >= 0")
	}
	if len(cfg.Channels) == 0 {
		return errors.New("channels must not be empty")
	}
	names := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name must not be empty", i)
		}
		if _, dup := names[ch.Name]; dup {
			return fmt.Errorf("channels[%d].name %q is duplicated", i, ch.Name)
		}
		names[ch.Name] = struct{}{}
		if ch.Duration <= 0 {
			return fmt.Errorf("channels[%d].duration must be positive", i)
		}
		if ch.Voice != "M" && ch.Voice != "F" {
			return fmt.Errorf("channels[%d].voice must be M or F", i)
		}
	}
	if _, ok := names[cfg.Receiver.Channel]; !ok {
		return fmt.Errorf("receiver.channel %q is not a configured channel", cfg.Receiver.Channel)
	}
	for _, name := range cfg.Transmitter.Autoplay {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("transmitter.autoplay references unknown channel %q", name)
		}
	}
	return nil
}
