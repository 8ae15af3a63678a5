package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EgorLis/fibaro-intercom/internal/camera"
	"github.com/EgorLis/fibaro-intercom/internal/intercom"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

var (
	ErrAlreadyStarted = errors.New("app: already started")
	ErrNoCamera       = errors.New("app: camera is not configured")
)

// Session — то, что App использует от intercom.Session.
type Session interface {
	ID() string
	State() intercom.State
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(h intercom.Handler) (unsubscribe func())
	OpenRelay(ctx context.Context, relay int, hold time.Duration) (bool, error)
}

type Camera interface {
	Snapshot(ctx context.Context) (*camera.Image, error)
	MJPEGURL() string
}

// Doorbell — последнее нажатие кнопки вызова.
type Doorbell struct {
	Button int       `json:"button"`
	At     time.Time `json:"at"`
}

type Options struct {
	// DoorbellCommand запускается на каждое нажатие звонка: argv без шелла.
	DoorbellCommand []string
	CommandTimeout  time.Duration
	// OnDoorbell вызывается из горутины подписчика, блокировать нельзя.
	OnDoorbell func(Doorbell)
	Logger     *zerolog.Logger
}

// App — рантайм одного интеркома: сессия, состояние реле, звонок, камера.
type App struct {
	session Session
	camera  Camera
	opts    Options
	logger  zerolog.Logger

	mu          sync.Mutex
	relays      [intercom.RelayCount]relayState
	lastBell    *Doorbell
	bells       int
	connectedAt time.Time
	unsubscribe func()
	stopCh      chan struct{}

	hooks sync.WaitGroup // запущенные внешние команды
}

func New(s Session, cam Camera, opts Options) *App {
	logger := ilog.WithComponent("app")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	a := &App{
		session: s,
		camera:  cam,
		opts:    opts,
		logger:  logger.With().Str(ilog.FieldSessionID, s.ID()).Logger(),
	}
	for i := range a.relays {
		a.relays[i].number = i
	}
	return a
}

// Start подписывается на события и подключается. Ошибка первого
// подключения возвращается как есть, подписка при этом снимается.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.stopCh = make(chan struct{})
	a.unsubscribe = a.session.Subscribe(a.handle)
	a.mu.Unlock()

	if err := a.session.Connect(ctx); err != nil {
		a.mu.Lock()
		a.unsubscribe()
		a.unsubscribe = nil
		a.stopCh = nil
		a.mu.Unlock()
		return err
	}
	a.logger.Info().Msg("intercom runtime started")
	return nil
}

// Stop отключает сессию и ждёт запущенные хуки. Повторный Stop ничего не делает.
func (a *App) Stop() {
	a.mu.Lock()
	ch := a.stopCh
	a.stopCh = nil
	a.mu.Unlock()
	if ch == nil {
		return
	}
	close(ch)

	a.session.Disconnect()
	a.mu.Lock()
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.mu.Unlock()
	a.hooks.Wait()
	a.logger.Info().Msg("intercom runtime stopped")
}

// OpenRelay — открыть реле; аргументы проверяет сессия.
func (a *App) OpenRelay(ctx context.Context, relay int, hold time.Duration) (bool, error) {
	ok, err := a.session.OpenRelay(ctx, relay, hold)
	if err != nil {
		return false, err
	}
	a.logger.Info().
		Int(ilog.FieldRelay, relay).
		Dur("hold", hold).
		Bool("accepted", ok).
		Msg("relay open requested")
	return ok, nil
}

func (a *App) Snapshot(ctx context.Context) (*camera.Image, error) {
	if a.camera == nil {
		return nil, ErrNoCamera
	}
	return a.camera.Snapshot(ctx)
}

func (a *App) MJPEGURL() string {
	if a.camera == nil {
		return ""
	}
	return a.camera.MJPEGURL()
}

// handle — единый обработчик событий сессии.
func (a *App) handle(ev intercom.Event) {
	switch ev.Name {
	case intercom.EventConnected:
		a.onConnected(ev)
	case intercom.EventReconnecting, intercom.EventDisconnected:
		a.logger.Info().Str("event", ev.Name).AnErr("cause", ev.Err).Msg("intercom link down")
	case intercom.MethodRelayStateChanged:
		rs, err := intercom.DecodeRelayState(ev)
		if err != nil {
			a.logger.Warn().Err(err).Msg("bad relay state event")
			return
		}
		a.setRelay(rs, ev.Time)
	case intercom.MethodButtonStateChanged:
		bs, ok := intercom.IsDoorbellPress(ev)
		if !ok {
			return
		}
		a.ring(Doorbell{Button: bs.Button, At: ev.Time})
	default:
		a.logger.Debug().Str("event", ev.Name).Msg("unhandled event")
	}
}

// после (пере)подключения состояние реле неизвестно: устройство само
// закрывает их по таймауту, поэтому считаем закрытыми
func (a *App) onConnected(ev intercom.Event) {
	a.mu.Lock()
	a.connectedAt = ev.Time
	for i := range a.relays {
		a.relays[i].open = false
		a.relays[i].changed = ev.Time
	}
	a.mu.Unlock()
	a.logger.Info().Msg("intercom link up, relay states reset")
}
