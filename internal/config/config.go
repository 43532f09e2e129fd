package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Camera  CameraConfig  `yaml:"camera"`
	Motion  MotionConfig  `yaml:"motion"`
	Arbiter ArbiterConfig `yaml:"arbiter"`
	Lock    LockConfig    `yaml:"lock"`
	Clips   ClipsConfig   `yaml:"clips"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Log     LogConfig     `yaml:"log"`
}

// CameraConfig holds capture device configuration.
type CameraConfig struct {
	DeviceID  int  `yaml:"device_id"`
	Width     int  `yaml:"width"`
	Height    int  `yaml:"height"`
	Framerate int  `yaml:"framerate"`
	Simulate  bool `yaml:"simulate"`
}

// MotionConfig holds motion estimator and control loop configuration.
type MotionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Threshold      int           `yaml:"threshold"`
	MinArea        float64       `yaml:"min_area"`
	SimProbability float64       `yaml:"sim_probability"`
	Tick           time.Duration `yaml:"tick"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Backoff        time.Duration `yaml:"backoff"`
	ClipDuration   time.Duration `yaml:"clip_duration"`
}

// ArbiterConfig bounds how long a caller waits for the camera.
type ArbiterConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	BusyRetries int           `yaml:"busy_retries"`
}

// LockConfig holds servo motor configuration.
type LockConfig struct {
	Pin           string        `yaml:"pin"`
	PulseDuration time.Duration `yaml:"pulse_duration"`
	MotorTimeout  time.Duration `yaml:"motor_timeout"`
	Simulate      bool          `yaml:"simulate"`
}

// ClipsConfig holds recorded clip storage configuration.
type ClipsConfig struct {
	Dir             string        `yaml:"dir"`
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DoorName    string `yaml:"door_name"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	UIDir   string `yaml:"ui_dir"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Camera: CameraConfig{
			Width:     640,
			Height:    480,
			Framerate: 30,
		},
		Motion: MotionConfig{
			Enabled:        true,
			Threshold:      25,
			MinArea:        500,
			SimProbability: 0.01,
			Tick:           time.Second,
			Cooldown:       5 * time.Second,
			Backoff:        5 * time.Second,
			ClipDuration:   10 * time.Second,
		},
		Arbiter: ArbiterConfig{
			BusyTimeout: 2 * time.Second,
			BusyRetries: 3,
		},
		Lock: LockConfig{
			Pin:           "GPIO18",
			PulseDuration: 500 * time.Millisecond,
			MotorTimeout:  time.Second,
		},
		Clips: ClipsConfig{
			Dir:             "clips",
			DefaultDuration: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:    ":8000",
			CORSAll: true,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "lockd",
			DeviceID:    "front_door",
			DoorName:    "Front Door",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("config: invalid camera resolution %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Framerate <= 0 {
		return fmt.Errorf("config: invalid camera framerate %d", c.Camera.Framerate)
	}
	if c.Motion.Threshold < 0 || c.Motion.Threshold > 255 {
		return fmt.Errorf("config: motion threshold must be 0-255, got %d", c.Motion.Threshold)
	}
	if c.Motion.SimProbability < 0 || c.Motion.SimProbability > 1 {
		return fmt.Errorf("config: motion sim_probability must be 0-1, got %v", c.Motion.SimProbability)
	}
	if c.Motion.Tick <= 0 {
		return fmt.Errorf("config: motion tick must be positive")
	}
	if c.Motion.ClipDuration <= 0 {
		return fmt.Errorf("config: motion clip_duration must be positive")
	}
	if c.Arbiter.BusyTimeout <= 0 {
		return fmt.Errorf("config: arbiter busy_timeout must be positive")
	}
	if c.Clips.Dir == "" {
		return fmt.Errorf("config: clips dir is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt enabled without broker")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOCKD_CAMERA_DEVICE_ID"); v != "" {
		cfg.Camera.DeviceID = parseInt(v, cfg.Camera.DeviceID)
	}
	if v := os.Getenv("LOCKD_CAMERA_SIMULATE"); v != "" {
		cfg.Camera.Simulate = parseBool(v)
	}
	if v := os.Getenv("LOCKD_MOTION_ENABLED"); v != "" {
		cfg.Motion.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOCKD_MOTION_THRESHOLD"); v != "" {
		cfg.Motion.Threshold = parseInt(v, cfg.Motion.Threshold)
	}
	if v := os.Getenv("LOCKD_MOTION_CLIP_DURATION"); v != "" {
		cfg.Motion.ClipDuration = parseDuration(v, cfg.Motion.ClipDuration)
	}
	if v := os.Getenv("LOCKD_LOCK_PIN"); v != "" {
		cfg.Lock.Pin = v
	}
	if v := os.Getenv("LOCKD_LOCK_SIMULATE"); v != "" {
		cfg.Lock.Simulate = parseBool(v)
	}
	if v := os.Getenv("LOCKD_CLIPS_DIR"); v != "" {
		cfg.Clips.Dir = v
	}
	if v := os.Getenv("LOCKD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOCKD_UI_DIR"); v != "" {
		cfg.HTTP.UIDir = v
	}
	if v := os.Getenv("LOCKD_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("LOCKD_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOCKD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("LOCKD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("LOCKD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LOCKD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("LOCKD_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("LOCKD_MQTT_DOOR_NAME"); v != "" {
		cfg.MQTT.DoorName = v
	}
	if v := os.Getenv("LOCKD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOCKD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return d
}
