package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"livecast/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Events struct {
		WebSocket struct {
			Enabled      bool          `yaml:"enabled"`
			PingInterval time.Duration `yaml:"ping_interval"`
			PongTimeout  time.Duration `yaml:"pong_timeout"`
			SendBuffer   int           `yaml:"send_buffer"`
		} `yaml:"websocket"`
		RedisChannel  string        `yaml:"redis_channel"`
		BatchSize     int           `yaml:"batch_size"`
		BatchInterval time.Duration `yaml:"batch_interval"`
	} `yaml:"events"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		OperatorKey    string        `yaml:"operator_key"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Ingest struct {
		Endpoint  string `yaml:"endpoint"`
		StreamKey string `yaml:"stream_key"`
		AutoStart bool   `yaml:"auto_start"`
	} `yaml:"ingest"`

	Transport struct {
		// Kind is "whip" or "loopback".
		Kind              string        `yaml:"kind"`
		ICEServers        []string      `yaml:"ice_servers"`
		TelemetryInterval time.Duration `yaml:"telemetry_interval"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`

		Loopback struct {
			Bandwidth  int           `yaml:"bandwidth"`
			RTT        time.Duration `yaml:"rtt"`
			PacketLoss float64       `yaml:"packet_loss"`
		} `yaml:"loopback"`
	} `yaml:"transport"`

	Connectivity struct {
		ProbeAddress string        `yaml:"probe_address"`
		Timeout      time.Duration `yaml:"timeout"`
		Interval     time.Duration `yaml:"interval"`
	} `yaml:"connectivity"`

	Broadcast BroadcastSection `yaml:"broadcast"`

	Devices struct {
		Catalog []DeviceEntry `yaml:"catalog"`
		// Attach lists device presets (front_camera, back_camera,
		// microphone) or URNs attached when the session is created.
		Attach []string `yaml:"attach"`
	} `yaml:"devices"`
}

// BroadcastSection mirrors domain.BroadcastConfiguration. Zero values keep
// the domain defaults.
type BroadcastSection struct {
	Preset        string `yaml:"preset"`
	LogLevel      string `yaml:"log_level"`
	AudioStrategy string `yaml:"audio_strategy"`

	Audio struct {
		Bitrate  int    `yaml:"bitrate"`
		Channels int    `yaml:"channels"`
		Quality  string `yaml:"quality"`
	} `yaml:"audio"`

	Video struct {
		Codec              string        `yaml:"codec"`
		Width              int           `yaml:"width"`
		Height             int           `yaml:"height"`
		InitialBitrate     int           `yaml:"initial_bitrate"`
		MinBitrate         int           `yaml:"min_bitrate"`
		MaxBitrate         int           `yaml:"max_bitrate"`
		Framerate          int           `yaml:"framerate"`
		KeyframeInterval   time.Duration `yaml:"keyframe_interval"`
		BFrames            *bool         `yaml:"b_frames"`
		Transparency       bool          `yaml:"transparency"`
		AutoBitrate        *bool         `yaml:"auto_bitrate"`
		AutoBitrateProfile string        `yaml:"auto_bitrate_profile"`
	} `yaml:"video"`

	Network struct {
		UseIPv6          bool     `yaml:"use_ipv6"`
		HealthHysteresis *float64 `yaml:"health_hysteresis"`
	} `yaml:"network"`

	Mixer struct {
		CanvasAspect string        `yaml:"canvas_aspect"`
		Slots        []SlotSection `yaml:"slots"`
	} `yaml:"mixer"`

	AutoReconnect struct {
		Enabled      bool          `yaml:"enabled"`
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
	} `yaml:"auto_reconnect"`
}

// SlotSection is also the request body for adding and transitioning
// slots over the control API.
type SlotSection struct {
	Name           string   `yaml:"name" json:"name"`
	Aspect         string   `yaml:"aspect" json:"aspect"`
	Gain           *float64 `yaml:"gain" json:"gain"`
	Transparency   float64  `yaml:"transparency" json:"transparency"`
	Width          float64  `yaml:"width" json:"width"`
	Height         float64  `yaml:"height" json:"height"`
	X              float64  `yaml:"x" json:"x"`
	Y              float64  `yaml:"y" json:"y"`
	ZIndex         int      `yaml:"z_index" json:"z_index"`
	PreferredVideo string   `yaml:"preferred_video" json:"preferred_video"`
	PreferredAudio string   `yaml:"preferred_audio" json:"preferred_audio"`
}

// DeviceEntry describes one capture source served by the device catalog.
type DeviceEntry struct {
	URN        string `yaml:"urn"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Position   string `yaml:"position"`
	Default    bool   `yaml:"default"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
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

	// Events
	if c.Events.WebSocket.Enabled {
		if c.Events.WebSocket.PingInterval <= 0 {
			return fmt.Errorf("events.websocket.ping_interval must be > 0")
		}
		if c.Events.WebSocket.PongTimeout <= c.Events.WebSocket.PingInterval {
			return fmt.Errorf("events.websocket.pong_timeout must exceed ping_interval")
		}
	}
	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be > 0")
	}
	if c.Events.BatchInterval <= 0 {
		return fmt.Errorf("events.batch_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Events.RedisChannel == "" {
			return fmt.Errorf("events.redis_channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.OperatorKey == "" {
		return fmt.Errorf("auth.operator_key must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
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
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1]")
		}
	}

	// Ingest
	if c.Ingest.AutoStart && (c.Ingest.Endpoint == "" || c.Ingest.StreamKey == "") {
		return fmt.Errorf("ingest.endpoint and ingest.stream_key are required when ingest.auto_start=true")
	}

	// Transport
	switch c.Transport.Kind {
	case "whip", "loopback":
	default:
		return fmt.Errorf("transport.kind must be whip or loopback, got %q", c.Transport.Kind)
	}
	if c.Transport.TelemetryInterval <= 0 {
		return fmt.Errorf("transport.telemetry_interval must be > 0")
	}
	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}
	if c.Transport.Loopback.PacketLoss < 0 || c.Transport.Loopback.PacketLoss > 1 {
		return fmt.Errorf("transport.loopback.packet_loss must be in [0,1]")
	}

	// Connectivity
	if c.Connectivity.ProbeAddress == "" {
		return fmt.Errorf("connectivity.probe_address must not be empty")
	}
	if c.Connectivity.Timeout <= 0 || c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.timeout and connectivity.interval must be > 0")
	}

	// Broadcast
	if _, err := c.BroadcastConfiguration(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if h := c.Broadcast.Network.HealthHysteresis; h != nil && (*h < 0 || *h > 1) {
		return fmt.Errorf("broadcast.network.health_hysteresis must be in [0,1]")
	}

	// Devices
	for i, d := range c.Devices.Catalog {
		if d.URN == "" {
			return fmt.Errorf("devices.catalog[%d].urn must not be empty", i)
		}
		if domain.ParseDeviceType(d.Type) == domain.DeviceTypeUnknown {
			return fmt.Errorf("devices.catalog[%d].type %q is not a device type", i, d.Type)
		}
	}

	return nil
}

// BroadcastConfiguration builds the session configuration through the
// domain setters. The first rejected value aborts the conversion.
func (c *Config) BroadcastConfiguration() (*domain.BroadcastConfiguration, error) {
	b := &c.Broadcast

	cfg := domain.NewBroadcastConfiguration()
	if b.Preset != "" {
		preset, ok := domain.PresetConfiguration(b.Preset)
		if !ok {
			return nil, fmt.Errorf("unknown preset %q", b.Preset)
		}
		cfg = preset
	}

	if b.LogLevel != "" {
		cfg.LogLevel = domain.ParseLogLevel(b.LogLevel)
	}

	if b.Audio.Bitrate != 0 {
		if err := cfg.Audio.SetBitrate(b.Audio.Bitrate); err != nil {
			return nil, err
		}
	}
	if b.Audio.Channels != 0 {
		if err := cfg.Audio.SetChannels(b.Audio.Channels); err != nil {
			return nil, err
		}
	}
	if b.Audio.Quality != "" {
		cfg.Audio.Quality = domain.ParseAudioQuality(b.Audio.Quality)
	}

	v := &cfg.Video
	if b.Video.Codec != "" {
		v.Codec = b.Video.Codec
	}
	if b.Video.Width != 0 || b.Video.Height != 0 {
		if err := v.SetSize(domain.ImageSize{Width: b.Video.Width, Height: b.Video.Height}); err != nil {
			return nil, err
		}
	}
	if b.Video.MinBitrate != 0 || b.Video.InitialBitrate != 0 || b.Video.MaxBitrate != 0 {
		min, initial, max := v.MinBitrate(), v.InitialBitrate(), v.MaxBitrate()
		if b.Video.MinBitrate != 0 {
			min = b.Video.MinBitrate
		}
		if b.Video.InitialBitrate != 0 {
			initial = b.Video.InitialBitrate
		}
		if b.Video.MaxBitrate != 0 {
			max = b.Video.MaxBitrate
		}
		if err := v.SetBitrates(min, initial, max); err != nil {
			return nil, err
		}
	}
	if b.Video.Framerate != 0 {
		if err := v.SetTargetFramerate(b.Video.Framerate); err != nil {
			return nil, err
		}
	}
	if b.Video.KeyframeInterval != 0 {
		if err := v.SetKeyframeInterval(b.Video.KeyframeInterval); err != nil {
			return nil, err
		}
	}
	if b.Video.BFrames != nil {
		v.UseBFrames = *b.Video.BFrames
	}
	if b.Video.AutoBitrate != nil {
		v.UseAutoBitrate = *b.Video.AutoBitrate
	}
	if b.Video.AutoBitrateProfile != "" {
		v.AutoBitrateProfile = domain.ParseAutoBitrateProfile(b.Video.AutoBitrateProfile)
	}
	v.EnableTransparency = v.EnableTransparency || b.Video.Transparency

	cfg.Network.UseIPv6 = b.Network.UseIPv6

	if b.Mixer.CanvasAspect != "" {
		cfg.Mixer.CanvasAspectMode = domain.ParseAspectMode(b.Mixer.CanvasAspect)
	}
	if len(b.Mixer.Slots) > 0 {
		slots := make([]domain.SlotConfiguration, 0, len(b.Mixer.Slots))
		for _, s := range b.Mixer.Slots {
			slot, err := s.SlotConfiguration(v.Size())
			if err != nil {
				return nil, err
			}
			slots = append(slots, slot)
		}
		cfg.Mixer.Slots = slots
	}

	ar := &cfg.AutoReconnect
	ar.Enabled = b.AutoReconnect.Enabled
	if b.AutoReconnect.MaxAttempts != 0 {
		ar.MaxAttempts = b.AutoReconnect.MaxAttempts
	}
	if b.AutoReconnect.InitialDelay != 0 {
		ar.InitialDelay = b.AutoReconnect.InitialDelay
	}
	if b.AutoReconnect.MaxDelay != 0 {
		ar.MaxDelay = b.AutoReconnect.MaxDelay
	}
	if b.AutoReconnect.Multiplier != 0 {
		ar.Multiplier = b.AutoReconnect.Multiplier
	}
	if ar.MaxAttempts < 0 || ar.InitialDelay < 0 || ar.MaxDelay < ar.InitialDelay || ar.Multiplier < 1 {
		return nil, fmt.Errorf("auto_reconnect: invalid policy %+v", *ar)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AudioStrategy returns the configured process-wide audio policy.
func (c *Config) AudioStrategy() domain.AudioSessionStrategy {
	if c.Broadcast.AudioStrategy == "" {
		return domain.AudioStrategyPlayAndRecord
	}
	return domain.ParseAudioSessionStrategy(c.Broadcast.AudioStrategy)
}

// SlotConfiguration builds a mixer slot. Without an explicit size the slot
// covers canvas and follows it.
func (s SlotSection) SlotConfiguration(canvas domain.ImageSize) (domain.SlotConfiguration, error) {
	slot, err := domain.NamedSlot(s.Name)
	if err != nil {
		return slot, err
	}
	if s.Aspect != "" {
		slot.SetAspect(domain.ParseAspectMode(s.Aspect))
	}
	if s.Gain != nil {
		if err := slot.SetGain(*s.Gain); err != nil {
			return slot, err
		}
	}
	if err := slot.SetTransparency(s.Transparency); err != nil {
		return slot, err
	}
	if s.Width != 0 || s.Height != 0 {
		slot.SetSize(domain.Size{Width: s.Width, Height: s.Height})
	} else {
		slot.SetSize(domain.Size{Width: float64(canvas.Width), Height: float64(canvas.Height)})
		slot.MatchCanvasSize = true
	}
	slot.Position = domain.Point{X: s.X, Y: s.Y}
	slot.ZIndex = s.ZIndex
	if s.PreferredVideo != "" {
		slot.PreferredVideoInput = domain.ParseDeviceType(s.PreferredVideo)
	}
	if s.PreferredAudio != "" {
		slot.PreferredAudioInput = domain.ParseDeviceType(s.PreferredAudio)
	}
	return slot, nil
}

// Descriptor converts a catalog entry into a device descriptor.
func (d DeviceEntry) Descriptor() domain.DeviceDescriptor {
	typ := domain.ParseDeviceType(d.Type)
	desc := domain.DeviceDescriptor{
		DeviceID:     d.URN,
		URN:          d.URN,
		FriendlyName: d.Name,
		Type:         typ,
		Position:     domain.ParseDevicePosition(d.Position),
		IsDefault:    d.Default,
	}
	switch typ.Category() {
	case domain.StreamKindImage:
		desc.Streams = []domain.StreamKind{domain.StreamKindImage}
		desc.ImageSize = domain.ImageSize{Width: d.Width, Height: d.Height}
	case domain.StreamKindPCM:
		desc.Streams = []domain.StreamKind{domain.StreamKindPCM}
		desc.SampleRate = d.SampleRate
		desc.Channels = d.Channels
		desc.AudioFormat = domain.AudioFormatInt16
	}
	if desc.FriendlyName == "" {
		desc.FriendlyName = d.URN
	}
	return desc
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
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Events.WebSocket.Enabled = true
	cfg.Events.WebSocket.PingInterval = 30 * time.Second
	cfg.Events.WebSocket.PongTimeout = 60 * time.Second
	cfg.Events.WebSocket.SendBuffer = 64
	cfg.Events.RedisChannel = "livecast:events"
	cfg.Events.BatchSize = 50
	cfg.Events.BatchInterval = 500 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.OperatorKey = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 10
	cfg.RateLimiting.WebSocket.Burst = 20
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 4 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Transport.Kind = "whip"
	cfg.Transport.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.Transport.TelemetryInterval = 500 * time.Millisecond
	cfg.Transport.ConnectTimeout = 10 * time.Second
	cfg.Transport.Loopback.Bandwidth = 4_000_000
	cfg.Transport.Loopback.RTT = 40 * time.Millisecond

	cfg.Connectivity.ProbeAddress = "1.1.1.1:443"
	cfg.Connectivity.Timeout = 2 * time.Second
	cfg.Connectivity.Interval = 5 * time.Second

	cfg.Devices.Catalog = []DeviceEntry{
		{URN: "camera:front:0", Name: "Front Camera", Type: "camera", Position: "front", Default: true, Width: 1280, Height: 720},
		{URN: "camera:back:0", Name: "Back Camera", Type: "camera", Position: "back", Width: 1920, Height: 1080},
		{URN: "microphone:builtin:0", Name: "Built-in Microphone", Type: "microphone", Default: true, SampleRate: 48000, Channels: 1},
	}

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("LIVECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LIVECAST_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if secret := os.Getenv("LIVECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("LIVECAST_OPERATOR_KEY"); key != "" {
		c.Auth.OperatorKey = key
	}
	if endpoint := os.Getenv("LIVECAST_INGEST_ENDPOINT"); endpoint != "" {
		c.Ingest.Endpoint = endpoint
	}
	if key := os.Getenv("LIVECAST_STREAM_KEY"); key != "" {
		c.Ingest.StreamKey = key
	}
	if kind := os.Getenv("LIVECAST_TRANSPORT"); kind != "" {
		c.Transport.Kind = kind
	}
	if addr := os.Getenv("LIVECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LIVECAST_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
