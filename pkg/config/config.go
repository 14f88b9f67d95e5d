package config

import (
	"fmt"
	"os"
	"time"

	"peercall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Identity struct {
		UserID      string `yaml:"user_id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"identity"`

	Control struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// AuthToken protects the control API when set; empty leaves it
		// open, which is fine on a loopback address.
		AuthToken string `yaml:"auth_token"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"control"`

	Relay struct {
		URL               string        `yaml:"url"`
		JWTSecret         string        `yaml:"jwt_secret"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`

		Reconnect struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"relay"`

	Signaling struct {
		EnvelopeTTL        time.Duration `yaml:"envelope_ttl"`
		RingTimeout        time.Duration `yaml:"ring_timeout"`
		JoinTimeout        time.Duration `yaml:"join_timeout"`
		QueueSize          int           `yaml:"queue_size"`
		PendingBufferSize  int           `yaml:"pending_buffer_size"`
		AudioCheckInterval time.Duration `yaml:"audio_check_interval"`
		AudioStallAfter    time.Duration `yaml:"audio_stall_after"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		MicRTPPort         int  `yaml:"mic_rtp_port"`
		CameraRTPPort      int  `yaml:"camera_rtp_port"`
		ScreenRTPPort      int  `yaml:"screen_rtp_port"`
		ScreenAudioRTPPort int  `yaml:"screen_audio_rtp_port"`
		SampleRate         int  `yaml:"sample_rate"`
		MixScreenAudio     bool `yaml:"mix_screen_audio"`
	} `yaml:"media"`

	Bitrate struct {
		SmallGroupLimit   int `yaml:"small_group_limit"`
		CameraHigh        int `yaml:"camera_high"`
		CameraLow         int `yaml:"camera_low"`
		CameraWhileScreen int `yaml:"camera_while_screen"`
		Screen            int `yaml:"screen"`
	} `yaml:"bitrate"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Control
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Control.ReadTimeout <= 0 {
		return fmt.Errorf("control.read_timeout must be > 0")
	}
	if c.Control.WriteTimeout <= 0 {
		return fmt.Errorf("control.write_timeout must be > 0")
	}
	if c.Control.ShutdownTimeout <= 0 {
		return fmt.Errorf("control.shutdown_timeout must be > 0")
	}
	if c.Control.RateLimit.Enabled {
		if c.Control.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("control.rate_limit.requests_per_second must be > 0 when enabled")
		}
		if c.Control.RateLimit.Burst <= 0 {
			return fmt.Errorf("control.rate_limit.burst must be > 0 when enabled")
		}
	}

	// Identity. An empty user_id is caught at startup so the env
	// override still has a chance to supply one.
	if c.Identity.UserID != "" {
		if err := validation.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Relay
	if err := validation.ValidateURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if c.Relay.JWTSecret == "" {
		return fmt.Errorf("relay.jwt_secret must not be empty")
	}
	if c.Relay.TokenTTL <= 0 {
		return fmt.Errorf("relay.token_ttl must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be > 0")
	}
	if c.Relay.MessagesPerSecond <= 0 {
		return fmt.Errorf("relay.messages_per_second must be > 0")
	}
	if c.Relay.Burst <= 0 {
		return fmt.Errorf("relay.burst must be > 0")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be > 0")
	}
	if c.Relay.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("relay.reconnect.max_attempts must be >= 0")
	}

	// Signaling
	if c.Signaling.EnvelopeTTL <= 0 {
		return fmt.Errorf("signaling.envelope_ttl must be > 0")
	}
	if c.Signaling.RingTimeout <= 0 {
		return fmt.Errorf("signaling.ring_timeout must be > 0")
	}
	if c.Signaling.JoinTimeout <= 0 {
		return fmt.Errorf("signaling.join_timeout must be > 0")
	}
	if c.Signaling.QueueSize <= 0 {
		return fmt.Errorf("signaling.queue_size must be > 0")
	}
	if c.Signaling.PendingBufferSize <= 0 {
		return fmt.Errorf("signaling.pending_buffer_size must be > 0")
	}
	if c.Signaling.AudioCheckInterval <= 0 {
		return fmt.Errorf("signaling.audio_check_interval must be > 0")
	}
	if c.Signaling.AudioStallAfter <= 0 {
		return fmt.Errorf("signaling.audio_stall_after must be > 0")
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

	// Media
	if c.Media.SampleRate <= 0 {
		return fmt.Errorf("media.sample_rate must be > 0")
	}

	// Bitrate
	if c.Bitrate.SmallGroupLimit <= 0 {
		return fmt.Errorf("bitrate.small_group_limit must be > 0")
	}
	if c.Bitrate.CameraHigh <= 0 || c.Bitrate.CameraLow <= 0 {
		return fmt.Errorf("bitrate.camera_high and camera_low must be > 0")
	}
	if c.Bitrate.CameraWhileScreen <= 0 {
		return fmt.Errorf("bitrate.camera_while_screen must be > 0")
	}
	if c.Bitrate.Screen <= 0 {
		return fmt.Errorf("bitrate.screen must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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

	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.ReadTimeout = 30 * time.Second
	cfg.Control.WriteTimeout = 30 * time.Second
	cfg.Control.ShutdownTimeout = 30 * time.Second
	cfg.Control.RateLimit.Enabled = true
	cfg.Control.RateLimit.RequestsPerSecond = 50
	cfg.Control.RateLimit.Burst = 100
	cfg.Control.RateLimit.MaxConcurrent = 64

	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.JWTSecret = "change-me-in-production"
	cfg.Relay.TokenTTL = time.Hour
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.MessagesPerSecond = 50
	cfg.Relay.Burst = 100
	cfg.Relay.MaxMessageBytes = 512 * 1024
	cfg.Relay.Reconnect.MaxAttempts = 5
	cfg.Relay.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Relay.Reconnect.MaxDelay = 10 * time.Second

	cfg.Signaling.EnvelopeTTL = 30 * time.Second
	cfg.Signaling.RingTimeout = 30 * time.Second
	cfg.Signaling.JoinTimeout = 10 * time.Second
	cfg.Signaling.QueueSize = 256
	cfg.Signaling.PendingBufferSize = 128
	cfg.Signaling.AudioCheckInterval = 10 * time.Second
	cfg.Signaling.AudioStallAfter = 5 * time.Second

	cfg.Media.MicRTPPort = 5004
	cfg.Media.CameraRTPPort = 5006
	cfg.Media.ScreenRTPPort = 5008
	cfg.Media.ScreenAudioRTPPort = 5010
	cfg.Media.SampleRate = 48000
	cfg.Media.MixScreenAudio = true

	cfg.Bitrate.SmallGroupLimit = 2
	cfg.Bitrate.CameraHigh = 2_500_000
	cfg.Bitrate.CameraLow = 1_000_000
	cfg.Bitrate.CameraWhileScreen = 300_000
	cfg.Bitrate.Screen = 3_000_000

	cfg.Redis.Enabled = true
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("PEERCALL_USER_ID"); id != "" {
		c.Identity.UserID = id
	}
	if addr := os.Getenv("PEERCALL_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if token := os.Getenv("PEERCALL_CONTROL_AUTH_TOKEN"); token != "" {
		c.Control.AuthToken = token
	}
	if url := os.Getenv("PEERCALL_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if secret := os.Getenv("PEERCALL_RELAY_JWT_SECRET"); secret != "" {
		c.Relay.JWTSecret = secret
	}
	if addr := os.Getenv("PEERCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("PEERCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
