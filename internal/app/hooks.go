package app

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

// ring фиксирует нажатие звонка, зовёт OnDoorbell и внешнюю команду.
func (a *App) ring(b Doorbell) {
	if b.At.IsZero() {
		b.At = time.Now()
	}

	a.mu.Lock()
	a.lastBell = &b
	a.bells++
	stop := a.stopCh
	run := stop != nil && len(a.opts.DoorbellCommand) > 0
	if run {
		a.hooks.Add(1)
	}
	a.mu.Unlock()

	a.logger.Info().Int(ilog.FieldButton, b.Button).Msg("doorbell pressed")

	if a.opts.OnDoorbell != nil {
		a.opts.OnDoorbell(b)
	}
	if run {
		go func() {
			defer a.hooks.Done()
			a.runDoorbellCommand(stop, b)
		}()
	}
}

// runDoorbellCommand запускает команду с таймаутом; Stop её прерывает.
// Данные о нажатии передаются через окружение.
func (a *App) runDoorbellCommand(stop <-chan struct{}, b Doorbell) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.CommandTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	argv := a.opts.DoorbellCommand
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"INTERCOM_BUTTON="+strconv.Itoa(b.Button),
		"INTERCOM_PRESSED_AT="+b.At.Format(time.RFC3339),
	)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("command", argv[0]).
			Bytes("output", truncate(out, 512)).
			Msg("doorbell command failed")
		return
	}
	a.logger.Debug().
		Str("command", argv[0]).
		Dur(ilog.FieldElapsed, time.Since(start)).
		Msg("doorbell command finished")
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
