package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Camera is one configured camera
type Camera struct {
	Serial string `mapstructure:"serial"`
	Name   string `mapstructure:"name"`
	Model  string `mapstructure:"model"`
}

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string

	// Upstream API server
	UpstreamURL               string
	UpstreamSyncInterval      time.Duration
	UpstreamReconnectInterval time.Duration

	// RTSP output (when the RTSP add-on republishes P2P streams)
	RTSPUseAddon bool
	RTSPAddress  string
	RTSPPort     int

	// Transcoder
	FFmpegBinary    string
	AnalyzeDuration float64 // Seconds

	// Streaming
	AutoStart    bool
	PollAttempts int
	PollInterval time.Duration

	// Feeder
	FeederInterval  time.Duration
	FeederIdleLimit int

	// HLS playlists written by the transcoder
	HLSDir string

	// Snapshot storage
	StorageType  string // "local" or "gcs"
	StorageDir   string
	GCSProjectID string
	GCSBucket    string
	GCSBaseDir   string

	Cameras []Camera

	LogLevel  string
	LogFormat string
}

// Storage backends
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "EUFYBRIDGE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("upstream.url", "ws://127.0.0.1:3000")
	v.SetDefault("upstream.sync_interval", 600*time.Second)
	v.SetDefault("upstream.reconnect_interval", 10*time.Second)

	v.SetDefault("rtsp.use_addon", false)
	v.SetDefault("rtsp.address", "")
	v.SetDefault("rtsp.port", 8554)

	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.analyze_duration", 1.2)

	v.SetDefault("stream.auto_start", true)
	v.SetDefault("stream.poll_attempts", 50)
	v.SetDefault("stream.poll_interval", 250*time.Millisecond)

	v.SetDefault("feeder.interval", 250*time.Millisecond)
	v.SetDefault("feeder.idle_limit", 10)

	v.SetDefault("hls_dir", "./data/hls")

	v.SetDefault("storage.type", StorageLocal)
	v.SetDefault("storage.dir", "./data/snapshots")
	v.SetDefault("storage.gcs.project_id", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.base_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file and
// EUFYBRIDGE_ environment variables, in increasing priority
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cameras []Camera
	if err := v.UnmarshalKey("cameras", &cameras); err != nil {
		return nil, errors.Wrap(err, "parse cameras")
	}

	cfg := &Config{
		HTTPAddr:                  v.GetString("http_addr"),
		UpstreamURL:               v.GetString("upstream.url"),
		UpstreamSyncInterval:      v.GetDuration("upstream.sync_interval"),
		UpstreamReconnectInterval: v.GetDuration("upstream.reconnect_interval"),
		RTSPUseAddon:              v.GetBool("rtsp.use_addon"),
		RTSPAddress:               v.GetString("rtsp.address"),
		RTSPPort:                  v.GetInt("rtsp.port"),
		FFmpegBinary:              v.GetString("ffmpeg.binary"),
		AnalyzeDuration:           v.GetFloat64("ffmpeg.analyze_duration"),
		AutoStart:                 v.GetBool("stream.auto_start"),
		PollAttempts:              v.GetInt("stream.poll_attempts"),
		PollInterval:              v.GetDuration("stream.poll_interval"),
		FeederInterval:            v.GetDuration("feeder.interval"),
		FeederIdleLimit:           v.GetInt("feeder.idle_limit"),
		HLSDir:                    v.GetString("hls_dir"),
		StorageType:               v.GetString("storage.type"),
		StorageDir:                v.GetString("storage.dir"),
		GCSProjectID:              v.GetString("storage.gcs.project_id"),
		GCSBucket:                 v.GetString("storage.gcs.bucket"),
		GCSBaseDir:                v.GetString("storage.gcs.base_dir"),
		Cameras:                   cameras,
		LogLevel:                  v.GetString("log.level"),
		LogFormat:                 v.GetString("log.format"),
	}

	// The RTSP server runs next to the upstream server unless told otherwise
	if cfg.RTSPAddress == "" {
		if u, err := url.Parse(cfg.UpstreamURL); err == nil {
			cfg.RTSPAddress = u.Hostname()
		}
	}

	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream.url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.Errorf("upstream.url %q must be a ws:// or wss:// URL", c.UpstreamURL)
	}
	if c.PollAttempts <= 0 {
		return errors.New("stream.poll_attempts must be positive")
	}
	if c.PollInterval <= 0 || c.FeederInterval <= 0 {
		return errors.New("poll and feeder intervals must be positive")
	}
	if c.FeederIdleLimit <= 0 {
		return errors.New("feeder.idle_limit must be positive")
	}
	if c.AnalyzeDuration < 0 {
		return errors.New("ffmpeg.analyze_duration must not be negative")
	}
	if c.RTSPUseAddon && (c.RTSPAddress == "" || c.RTSPPort <= 0) {
		return errors.New("rtsp.address and rtsp.port are required when rtsp.use_addon is set")
	}

	switch c.StorageType {
	case StorageLocal:
		if c.StorageDir == "" {
			return errors.New("storage.dir is required for local storage")
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			return errors.New("storage.gcs.bucket is required for gcs storage")
		}
	default:
		return errors.Errorf("unknown storage.type %q", c.StorageType)
	}

	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Serial == "" {
			return errors.New("every camera needs a serial")
		}
		if seen[cam.Serial] {
			return errors.Errorf("camera %s configured twice", cam.Serial)
		}
		seen[cam.Serial] = true
	}
	return nil
}

// Serials returns the configured camera serials
func (c *Config) Serials() []string {
	serials := make([]string, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		serials = append(serials, cam.Serial)
	}
	return serials
}
