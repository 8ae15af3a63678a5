package intercom

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultPort         = 8081
	DefaultPath         = "/wsock"
	DefaultCallTimeout  = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 10 * time.Second
)

// Границы, которые принимает устройство для relay.open.
const (
	MinRelayHold = 250 * time.Millisecond
	MaxRelayHold = 30 * time.Second
	RelayCount   = 2
)

// Config — параметры подключения к одному устройству.
type Config struct {
	Host     string
	Port     int
	Path     string
	Username string
	Password string

	UseTLS    bool
	VerifyTLS bool

	CallTimeout  time.Duration
	DialTimeout  time.Duration
	PingInterval time.Duration // 0 — без пингов
	PongTimeout  time.Duration

	Reconnect   ReconnectConfig
	EventBuffer int
}

// ReconnectConfig — экспоненциальный backoff между попытками переподключения.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // доля случайного разброса, 0..1
}

// DefaultConfig — значения по умолчанию: wss, проверка сертификата, 10s на вызов.
func DefaultConfig() Config {
	return Config{
		Port:         DefaultPort,
		Path:         DefaultPath,
		UseTLS:       true,
		VerifyTLS:    true,
		CallTimeout:  DefaultCallTimeout,
		DialTimeout:  DefaultDialTimeout,
		PingInterval: DefaultPingInterval,
		PongTimeout:  DefaultPongTimeout,
		Reconnect:    DefaultReconnectConfig(),
		EventBuffer:  defaultEventBuffer,
	}
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Validate проверяет конфигурацию и заполняет пустые поля значениями по умолчанию.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval > 0 && c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}

	def := DefaultReconnectConfig()
	r := &c.Reconnect
	if r.InitialDelay <= 0 {
		r.InitialDelay = def.InitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = def.MaxDelay
	}
	if r.Multiplier < 1 {
		r.Multiplier = def.Multiplier
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, fmt.Errorf("reconnect max delay %s is below initial delay %s", r.MaxDelay, r.InitialDelay))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("reconnect jitter %.2f outside 0..1", r.Jitter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// URL — адрес WebSocket-эндпоинта устройства.
func (c Config) URL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + c.Path
}

func (r ReconnectConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialDelay
	b.MaxInterval = r.MaxDelay
	b.Multiplier = r.Multiplier
	b.RandomizationFactor = r.Jitter
	b.Reset()
	return b
}
