// Package config загружает настройки intercomctl: YAML-файл, .env и
// переменные окружения (в таком порядке приоритета снизу вверх).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/EgorLis/fibaro-intercom/internal/intercom"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

const (
	DefaultCameraPort    = 8080
	DefaultCameraTimeout = 10 * time.Second
	DefaultHTTPListen    = ":8090"
	DefaultRelayRate     = 10 // запросов на открытие реле в минуту
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Camera    CameraConfig    `yaml:"camera"`
	HTTP      HTTPConfig      `yaml:"http"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Log       LogConfig       `yaml:"log"`
}

type DeviceConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	UseTLS       bool          `yaml:"use_tls"`
	VerifyTLS    bool          `yaml:"verify_tls"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	EventBuffer  int           `yaml:"event_buffer"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// CameraConfig — HTTP-камера устройства (тот же хост, свой порт).
type CameraConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// RelayRate — сколько открытий реле в минуту разрешено с одного адреса.
	RelayRate int `yaml:"relay_rate"`
}

// HooksConfig — внешние команды на события устройства.
type HooksConfig struct {
	DoorbellCommand []string      `yaml:"doorbell_command"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default — конфигурация без файла и окружения.
func Default() Config {
	dc := intercom.DefaultConfig()
	return Config{
		Device: DeviceConfig{
			Port:         dc.Port,
			Path:         dc.Path,
			UseTLS:       dc.UseTLS,
			VerifyTLS:    dc.VerifyTLS,
			CallTimeout:  dc.CallTimeout,
			DialTimeout:  dc.DialTimeout,
			PingInterval: dc.PingInterval,
			PongTimeout:  dc.PongTimeout,
			EventBuffer:  dc.EventBuffer,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: dc.Reconnect.InitialDelay,
			MaxDelay:     dc.Reconnect.MaxDelay,
			Multiplier:   dc.Reconnect.Multiplier,
			Jitter:       dc.Reconnect.Jitter,
		},
		Camera: CameraConfig{
			Port:    DefaultCameraPort,
			Timeout: DefaultCameraTimeout,
		},
		HTTP: HTTPConfig{
			Listen:    DefaultHTTPListen,
			RelayRate: DefaultRelayRate,
		},
		Hooks: HooksConfig{
			CommandTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadDotEnv подгружает .env-файлы в окружение. Отсутствующий файл не ошибка,
// уже заданные переменные не перезаписываются.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load: значения по умолчанию → файл path (если задан) → окружение → Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(ilog.WithComponent("config")); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // пустой файл
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate сообщает обо всех проблемах сразу.
func (c *Config) Validate() error {
	var errs []error

	sc := c.Session()
	if err := sc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Camera.Port < 1 || c.Camera.Port > 65535 {
		errs = append(errs, fmt.Errorf("camera port %d out of range", c.Camera.Port))
	}
	if c.Camera.Timeout <= 0 {
		errs = append(errs, errors.New("camera timeout must be positive"))
	}
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		errs = append(errs, errors.New("http listen address is required"))
	}
	if c.HTTP.RelayRate <= 0 {
		errs = append(errs, fmt.Errorf("http relay_rate %d must be positive", c.HTTP.RelayRate))
	}
	if c.Hooks.CommandTimeout <= 0 {
		errs = append(errs, errors.New("hooks command_timeout must be positive"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log level %q: %w", c.Log.Level, err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q, want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Session — параметры для intercom.New.
func (c Config) Session() intercom.Config {
	d := c.Device
	return intercom.Config{
		Host:         d.Host,
		Port:         d.Port,
		Path:         d.Path,
		Username:     d.Username,
		Password:     d.Password,
		UseTLS:       d.UseTLS,
		VerifyTLS:    d.VerifyTLS,
		CallTimeout:  d.CallTimeout,
		DialTimeout:  d.DialTimeout,
		PingInterval: d.PingInterval,
		PongTimeout:  d.PongTimeout,
		EventBuffer:  d.EventBuffer,
		Reconnect: intercom.ReconnectConfig{
			InitialDelay: c.Reconnect.InitialDelay,
			MaxDelay:     c.Reconnect.MaxDelay,
			Multiplier:   c.Reconnect.Multiplier,
			Jitter:       c.Reconnect.Jitter,
		},
	}
}

// Logging — параметры для log.Configure.
func (c Config) Logging() ilog.Config {
	return ilog.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
	}
}
