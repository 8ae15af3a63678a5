package intercom

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultEventBuffer = 64

type subscription struct {
	id      uint64
	ch      chan Event
	handler Handler
}

// Dispatcher раздаёт события подписчикам. У каждого подписчика своя
// ограниченная очередь и своя горутина, поэтому медленный обработчик
// не тормозит цикл чтения. Порядок внутри подписчика сохраняется.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	closed  bool
	buffer  int
	logger  zerolog.Logger
	metrics *Metrics
}

// NewDispatcher создаёт диспетчер с очередью buffer на подписчика.
func NewDispatcher(buffer int, logger zerolog.Logger, metrics *Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Dispatcher{
		subs:    make(map[uint64]*subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe регистрирует обработчик. Возвращённая функция отписывает его.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || h == nil {
		return func() {}
	}
	d.nextID++
	sub := &subscription{
		id:      d.nextID,
		ch:      make(chan Event, d.buffer),
		handler: h,
	}
	d.subs[sub.id] = sub
	go d.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(sub.id) })
	}
}

func (d *Dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(sub.ch)
	}
}

// Publish кладёт событие в очередь каждого подписчика, не блокируясь.
// Если очередь полна — событие для этого подписчика теряется.
func (d *Dispatcher) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		select {
		case sub.ch <- ev:
		default:
			d.metrics.eventDropped()
			d.logger.Warn().
				Str("event", ev.Name).
				Uint64("subscriber", sub.id).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// Close закрывает все очереди; горутины подписчиков дочитывают и выходят.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, sub := range d.subs {
		close(sub.ch)
		delete(d.subs, id)
	}
}

func (d *Dispatcher) deliver(sub *subscription) {
	for ev := range sub.ch {
		d.invoke(sub, ev)
	}
}

// паника обработчика не должна убивать доставку
func (d *Dispatcher) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("event", ev.Name).
				Uint64("subscriber", sub.id).
				Msg("event handler panicked")
		}
	}()
	sub.handler(ev)
}
