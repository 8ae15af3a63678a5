package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Переменные окружения, перекрывающие файл.
const (
	EnvHost       = "INTERCOM_HOST"
	EnvPort       = "INTERCOM_PORT"
	EnvUsername   = "INTERCOM_USERNAME"
	EnvPassword   = "INTERCOM_PASSWORD"
	EnvUseTLS     = "INTERCOM_USE_TLS"
	EnvVerifyTLS  = "INTERCOM_VERIFY_TLS"
	EnvHTTPListen = "INTERCOM_HTTP_LISTEN"
	EnvLogLevel   = "LOG_LEVEL"
)

// envReader собирает ошибки разбора, чтобы показать их все разом.
type envReader struct {
	logger zerolog.Logger
	errs   []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	lower := strings.ToLower(key)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") {
		r.logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment variable")
	} else {
		r.logger.Debug().Str("key", key).Str("value", v).Msg("using environment variable")
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) readString(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) readInt(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s=%q: not an integer", key, v))
		return
	}
	*dst = i
}

func (r *envReader) readBool(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s=%q: not a boolean", key, v))
		return
	}
	*dst = b
}

func (c *Config) applyEnv(logger zerolog.Logger) error {
	r := &envReader{logger: logger}
	r.readString(EnvHost, &c.Device.Host)
	r.readInt(EnvPort, &c.Device.Port)
	r.readString(EnvUsername, &c.Device.Username)
	r.readString(EnvPassword, &c.Device.Password)
	r.readBool(EnvUseTLS, &c.Device.UseTLS)
	r.readBool(EnvVerifyTLS, &c.Device.VerifyTLS)
	r.readString(EnvHTTPListen, &c.HTTP.Listen)
	r.readString(EnvLogLevel, &c.Log.Level)
	return errors.Join(r.errs...)
}
