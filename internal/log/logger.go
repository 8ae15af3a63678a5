// Package log — обёртка над zerolog: один базовый логгер на процесс,
// дочерние логгеры с полем component и общие имена полей.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config — параметры базового логгера.
type Config struct {
	Level   string    // "debug", "info", ... (по умолчанию LOG_LEVEL или info)
	Format  string    // "json" | "console"
	Output  io.Writer // по умолчанию os.Stderr
	Service string
}

var (
	mu         sync.RWMutex
	base       zerolog.Logger
	configured bool
)

// Configure настраивает базовый логгер. Повторный вызов перенастраивает его
// (нужно cmd, когда уровень приходит из флага уже после init).
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	lvl := cfg.Level
	if lvl == "" {
		lvl = os.Getenv("LOG_LEVEL")
	}
	if lvl != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(lvl)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	service := cfg.Service
	if service == "" {
		service = "intercomctl"
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str(FieldService, service).
		Logger()

	mu.Lock()
	base = l
	configured = true
	mu.Unlock()
}

// Base возвращает базовый логгер.
func Base() zerolog.Logger {
	mu.RLock()
	ok := configured
	mu.RUnlock()
	if !ok {
		Configure(Config{})
	}
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent — дочерний логгер с полем component.
func WithComponent(component string) zerolog.Logger {
	l := Base()
	return l.With().Str(FieldComponent, component).Logger()
}
