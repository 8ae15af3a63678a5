package intercom

import (
	"encoding/json"
	"sync"
	"time"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall — ожидающий ответа запрос. done заполняется ровно один раз:
// тем, кто удалил запись из таблицы.
type pendingCall struct {
	id      uint64
	method  string
	created time.Time
	done    chan callResult
}

// pendingTable сопоставляет id запроса с ожидающим вызовом.
type pendingTable struct {
	mu    sync.Mutex
	next  uint64
	calls map[uint64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*pendingCall)}
}

// register выдаёт следующий id и заводит под него слот.
func (t *pendingTable) register(method string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	pc := &pendingCall{
		id:      t.next,
		method:  method,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}
	t.calls[pc.id] = pc
	return pc
}

func (t *pendingTable) take(id uint64) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// resolve — успешный ответ. Неизвестный или уже закрытый id молча игнорируется.
func (t *pendingTable) resolve(id uint64, result json.RawMessage) bool {
	pc, ok := t.take(id)
	if !ok {
		return false
	}
	pc.done <- callResult{result: result}
	return true
}

func (t *pendingTable) resolveError(id uint64, rerr *RemoteError) bool {
	pc, ok := t.take(id)
	if !ok {
		return false
	}
	pc.done <- callResult{err: rerr}
	return true
}

// expire вызывается сторожем таймаута.
func (t *pendingTable) expire(id uint64) bool {
	return t.cancel(id, ErrTimeout)
}

func (t *pendingTable) cancel(id uint64, err error) bool {
	pc, ok := t.take(id)
	if !ok {
		return false
	}
	pc.done <- callResult{err: err}
	return true
}

// failAll завершает все ожидающие вызовы ошибкой err и возвращает их число.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.done <- callResult{err: err}
	}
	return len(calls)
}

// reset обнуляет счётчик id. Вызывается перед каждой новой попыткой
// соединения, когда таблица уже пуста.
func (t *pendingTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = 0
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
