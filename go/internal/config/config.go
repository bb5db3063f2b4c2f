package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/liveexam/go/internal/network"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/orchestrator"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

// Config is the session client configuration. Values come from the defaults, then the
// YAML file, then the environment.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Socket       SocketConfig       `yaml:"socket"`
	Timer        TimerConfig        `yaml:"timer"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Network      NetworkConfig      `yaml:"network"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	View         ViewConfig         `yaml:"view"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	UserID  string `yaml:"user_id"`
}

type SocketConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
}

type TimerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type OrchestratorConfig struct {
	NavigationDelay   time.Duration `yaml:"navigation_delay"`
	ResyncAfterRejoin time.Duration `yaml:"resync_after_rejoin"`
	LeaveTimeout      time.Duration `yaml:"leave_timeout"`
	TestWarnings      []int         `yaml:"test_warnings"`
	SectionWarnings   []int         `yaml:"section_warnings"`
}

type NetworkConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	ProbeEndpoint string        `yaml:"probe_endpoint"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// TelemetryConfig selects the event sink. An empty NATSURL logs events instead.
type TelemetryConfig struct {
	NATSURL       string        `yaml:"nats_url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	QueueSize     int           `yaml:"queue_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type ViewConfig struct {
	Port string `yaml:"port"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	sock := gateway.DefaultConnectionConfig()
	orch := orchestrator.DefaultConfig()
	netw := network.DefaultConfig()
	js := telemetry.DefaultJetStreamConfig()
	worker := telemetry.DefaultWorkerConfig()

	return &Config{
		API: APIConfig{BaseURL: "http://localhost:8080"},
		Socket: SocketConfig{
			URL:              sock.URL,
			HandshakeTimeout: sock.HandshakeTimeout,
			WriteTimeout:     sock.WriteTimeout,
			ReadTimeout:      sock.ReadTimeout,
			PingInterval:     sock.PingInterval,
			LivenessInterval: sock.LivenessInterval,
			MaxMessageSize:   sock.MaxMessageSize,
			SendBufferSize:   sock.SendBufferSize,
		},
		Timer: TimerConfig{TickInterval: timer.DefaultConfig().TickInterval},
		Orchestrator: OrchestratorConfig{
			NavigationDelay:   orch.NavigationDelay,
			ResyncAfterRejoin: orch.ResyncAfterRejoin,
			LeaveTimeout:      orch.LeaveTimeout,
			TestWarnings:      orch.TestWarnings,
			SectionWarnings:   orch.SectionWarnings,
		},
		Network: NetworkConfig{
			GracePeriod:   netw.GracePeriod,
			ProbeEndpoint: netw.ProbeEndpoint,
			ProbeInterval: netw.ProbeInterval,
			ProbeTimeout:  netw.ProbeTimeout,
		},
		Telemetry: TelemetryConfig{
			StreamName:    js.StreamName,
			SubjectPrefix: js.SubjectPrefix,
			QueueSize:     worker.QueueSize,
			MaxRetries:    worker.MaxRetries,
			RetryDelay:    worker.RetryDelay,
		},
		View: ViewConfig{Port: "8090"},
	}
}

// Load reads the defaults, the YAML file at path when path is not empty, then the
// environment
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("ASSESSMENT_API_URL", c.API.BaseURL)
	c.API.Token = getEnv("ASSESSMENT_API_TOKEN", c.API.Token)
	c.API.UserID = getEnv("ASSESSMENT_USER_ID", c.API.UserID)
	c.Socket.URL = getEnv("SESSION_SOCKET_URL", c.Socket.URL)
	c.Network.GracePeriod = getEnvAsDuration("NETWORK_GRACE_PERIOD", c.Network.GracePeriod)
	c.Telemetry.NATSURL = getEnv("NATS_URL", c.Telemetry.NATSURL)
	c.Telemetry.QueueSize = getEnvAsInt("TELEMETRY_QUEUE_SIZE", c.Telemetry.QueueSize)
	c.View.Port = getEnv("VIEW_PORT", c.View.Port)
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url is required")
	}
	if c.Socket.URL == "" {
		return fmt.Errorf("socket url is required")
	}
	if c.Timer.TickInterval <= 0 {
		return fmt.Errorf("timer tick_interval must be positive, got %s", c.Timer.TickInterval)
	}
	if c.Network.GracePeriod < 0 {
		return fmt.Errorf("network grace_period must not be negative, got %s", c.Network.GracePeriod)
	}
	return nil
}

func (c *Config) ConnectionConfig() gateway.ConnectionConfig {
	return gateway.ConnectionConfig{
		URL:              c.Socket.URL,
		HandshakeTimeout: c.Socket.HandshakeTimeout,
		WriteTimeout:     c.Socket.WriteTimeout,
		ReadTimeout:      c.Socket.ReadTimeout,
		PingInterval:     c.Socket.PingInterval,
		LivenessInterval: c.Socket.LivenessInterval,
		MaxMessageSize:   c.Socket.MaxMessageSize,
		SendBufferSize:   c.Socket.SendBufferSize,
	}
}

func (c *Config) TimerConfig() timer.Config {
	return timer.Config{TickInterval: c.Timer.TickInterval}
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		NavigationDelay:   c.Orchestrator.NavigationDelay,
		ResyncAfterRejoin: c.Orchestrator.ResyncAfterRejoin,
		LeaveTimeout:      c.Orchestrator.LeaveTimeout,
		TestWarnings:      c.Orchestrator.TestWarnings,
		SectionWarnings:   c.Orchestrator.SectionWarnings,
	}
}

// NetworkConfig probes the assessment API's health endpoint
func (c *Config) NetworkConfig() network.Config {
	return network.Config{
		GracePeriod:   c.Network.GracePeriod,
		ProbeURL:      c.API.BaseURL,
		ProbeEndpoint: c.Network.ProbeEndpoint,
		ProbeInterval: c.Network.ProbeInterval,
		ProbeTimeout:  c.Network.ProbeTimeout,
	}
}

func (c *Config) JetStreamConfig() telemetry.JetStreamConfig {
	js := telemetry.DefaultJetStreamConfig()
	js.URL = c.Telemetry.NATSURL
	js.StreamName = c.Telemetry.StreamName
	js.SubjectPrefix = c.Telemetry.SubjectPrefix
	return js
}

func (c *Config) WorkerConfig() telemetry.WorkerConfig {
	return telemetry.WorkerConfig{
		QueueSize:  c.Telemetry.QueueSize,
		MaxRetries: c.Telemetry.MaxRetries,
		RetryDelay: c.Telemetry.RetryDelay,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
