package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer mirrors webrtc.ICEServer for yaml.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// State stream websocket
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"server"`

	Bus struct {
		Driver    string `yaml:"driver"` // redis | memory
		KeyPrefix string `yaml:"key_prefix"`
		Redis     struct {
			Address        string        `yaml:"address"`
			Password       string        `yaml:"password"`
			DB             int           `yaml:"db"`
			PoolSize       int           `yaml:"pool_size"`
			ReceiveTimeout time.Duration `yaml:"receive_timeout"`
			DialAttempts   int           `yaml:"dial_attempts"`
			// Publishes fail fast once FailureThreshold consecutive
			// publishes have failed. 0 disables the breaker.
			Breaker struct {
				FailureThreshold int           `yaml:"failure_threshold"`
				OpenTimeout      time.Duration `yaml:"open_timeout"`
			} `yaml:"breaker"`
		} `yaml:"redis"`
	} `yaml:"bus"`

	Channel struct {
		KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
		HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
		InactivityTimeout    time.Duration `yaml:"inactivity_timeout"`
		ErrorThreshold       int           `yaml:"error_threshold"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	} `yaml:"channel"`

	Registry struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		StaggerMax    time.Duration `yaml:"stagger_max"`
	} `yaml:"registry"`

	Peer struct {
		KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
		SilenceTimeout       time.Duration `yaml:"silence_timeout"`
		MonitorInterval      time.Duration `yaml:"monitor_interval"`
		DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
		StuckNewTimeout      time.Duration `yaml:"stuck_new_timeout"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	} `yaml:"peer"`

	Call struct {
		FreshnessWindow time.Duration `yaml:"freshness_window"`
		RingTimeout     time.Duration `yaml:"ring_timeout"` // 0 disables
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		// Readiness fails above this many signed-in users. 0 means no limit.
		MaxSessions int `yaml:"max_sessions"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			// In-flight request cap across all clients. 0 disables it.
			MaxConcurrent int `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > server.ping_interval")
	}

	// Bus
	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.Redis.Address == "" {
			return fmt.Errorf("bus.redis.address must not be empty when bus.driver=redis")
		}
		if c.Bus.Redis.PoolSize <= 0 {
			return fmt.Errorf("bus.redis.pool_size must be > 0 when bus.driver=redis")
		}
		if c.Bus.Redis.ReceiveTimeout <= 0 {
			return fmt.Errorf("bus.redis.receive_timeout must be > 0 when bus.driver=redis")
		}
		if c.Bus.Redis.DialAttempts < 0 {
			return fmt.Errorf("bus.redis.dial_attempts must be >= 0")
		}
		if c.Bus.Redis.Breaker.FailureThreshold < 0 {
			return fmt.Errorf("bus.redis.breaker.failure_threshold must be >= 0")
		}
		if c.Bus.Redis.Breaker.FailureThreshold > 0 && c.Bus.Redis.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("bus.redis.breaker.open_timeout must be > 0 when the breaker is enabled")
		}
	default:
		return fmt.Errorf("bus.driver must be redis or memory, got %q", c.Bus.Driver)
	}

	// Channel
	if c.Channel.KeepAliveInterval <= 0 {
		return fmt.Errorf("channel.keep_alive_interval must be > 0")
	}
	if c.Channel.HealthCheckInterval <= 0 {
		return fmt.Errorf("channel.health_check_interval must be > 0")
	}
	if c.Channel.InactivityTimeout <= c.Channel.KeepAliveInterval {
		return fmt.Errorf("channel.inactivity_timeout must be > channel.keep_alive_interval")
	}
	if c.Channel.ErrorThreshold <= 0 {
		return fmt.Errorf("channel.error_threshold must be > 0")
	}
	if c.Channel.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("channel.reconnect_base_delay must be > 0")
	}
	if c.Channel.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("channel.reconnect_max_attempts must be > 0")
	}

	// Registry
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be > 0")
	}
	if c.Registry.StaggerMax < 0 {
		return fmt.Errorf("registry.stagger_max must be >= 0")
	}

	// Peer
	if c.Peer.KeepAliveInterval <= 0 {
		return fmt.Errorf("peer.keep_alive_interval must be > 0")
	}
	if c.Peer.SilenceTimeout <= c.Peer.KeepAliveInterval {
		return fmt.Errorf("peer.silence_timeout must be > peer.keep_alive_interval")
	}
	if c.Peer.MonitorInterval <= 0 {
		return fmt.Errorf("peer.monitor_interval must be > 0")
	}
	if c.Peer.DisconnectGrace <= 0 {
		return fmt.Errorf("peer.disconnect_grace must be > 0")
	}
	if c.Peer.StuckNewTimeout <= 0 {
		return fmt.Errorf("peer.stuck_new_timeout must be > 0")
	}
	if c.Peer.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("peer.reconnect_base_delay must be > 0")
	}
	if c.Peer.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("peer.reconnect_max_attempts must be > 0")
	}

	// Call
	if c.Call.FreshnessWindow <= 0 {
		return fmt.Errorf("call.freshness_window must be > 0")
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.MaxSessions < 0 {
		return fmt.Errorf("monitoring.max_sessions must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second

	cfg.Bus.Driver = "memory"
	cfg.Bus.KeyPrefix = "voicelink:"
	cfg.Bus.Redis.Address = "localhost:6379"
	cfg.Bus.Redis.DB = 0
	cfg.Bus.Redis.PoolSize = 10
	cfg.Bus.Redis.ReceiveTimeout = 30 * time.Second
	cfg.Bus.Redis.DialAttempts = 5
	cfg.Bus.Redis.Breaker.FailureThreshold = 5
	cfg.Bus.Redis.Breaker.OpenTimeout = 5 * time.Second

	cfg.Channel.KeepAliveInterval = 30 * time.Second
	cfg.Channel.HealthCheckInterval = 60 * time.Second
	cfg.Channel.InactivityTimeout = 5 * time.Minute
	cfg.Channel.ErrorThreshold = 3
	cfg.Channel.ReconnectBaseDelay = time.Second
	cfg.Channel.ReconnectMaxAttempts = 8

	cfg.Registry.SweepInterval = 2 * time.Minute
	cfg.Registry.StaggerMax = 3 * time.Second

	cfg.Peer.KeepAliveInterval = 20 * time.Second
	cfg.Peer.SilenceTimeout = 2 * time.Minute
	cfg.Peer.MonitorInterval = 10 * time.Second
	cfg.Peer.DisconnectGrace = 5 * time.Second
	cfg.Peer.StuckNewTimeout = 15 * time.Second
	cfg.Peer.ReconnectBaseDelay = 100 * time.Millisecond
	cfg.Peer.ReconnectMaxAttempts = 3

	cfg.Call.FreshnessWindow = 30 * time.Second
	cfg.Call.RingTimeout = 45 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second
	cfg.Monitoring.MaxSessions = 10000

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "voicelink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 256

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOICELINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if driver := os.Getenv("VOICELINK_BUS_DRIVER"); driver != "" {
		c.Bus.Driver = driver
	}
	if addr := os.Getenv("VOICELINK_REDIS_ADDRESS"); addr != "" {
		c.Bus.Redis.Address = addr
	}
	if pw := os.Getenv("VOICELINK_REDIS_PASSWORD"); pw != "" {
		c.Bus.Redis.Password = pw
	}
	if level := os.Getenv("VOICELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOICELINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
