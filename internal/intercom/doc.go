// Package intercom реализует клиент FIBARO Intercom: JSON-RPC 2.0 поверх
// WebSocket (wss://host:8081/wsock). Клиент держит одно аутентифицированное
// соединение, мультиплексирует по нему параллельные запросы, раздаёт
// push-уведомления устройства (звонок, состояние реле) и сам
// переподключается при обрыве.
//
// Составные части:
//   - Transport — одно WebSocket-соединение (gorilla/websocket), ping/pong;
//   - Encode/Decode — кодек JSON-RPC, Decode сразу различает ответ,
//     ответ-ошибку и событие;
//   - pendingTable — id запроса → ожидающий вызов;
//   - Session — логин, токен, типизированные вызовы (OpenRelay, Call);
//   - Dispatcher — очередь событий на каждого подписчика;
//   - supervise/reconnect — цикл чтения и экспоненциальный реконнект.
//
// Безопасность и устойчивость:
//   - запись в сокет сериализована (мьютекс + write-deadline);
//   - у каждого вызова свой таймаут (по умолчанию 10s), поздний ответ
//     отбрасывается;
//   - при обрыве все ожидающие вызовы сразу получают ErrConnectionLost,
//     токен сбрасывается, после переподключения выдаётся заново;
//   - ошибка первого Connect не ретраится — её видит вызывающий.
//
// Пример:
//
//	cfg := intercom.DefaultConfig()
//	cfg.Host, cfg.Username, cfg.Password = "192.168.1.50", "admin", "secret"
//	s, err := intercom.New(cfg)
//	if err != nil { log.Fatal(err) }
//	if err := s.Connect(ctx); err != nil { log.Fatal(err) }
//	defer s.Disconnect()
//
//	unsub := s.Subscribe(func(ev intercom.Event) {
//	    if b, ok := intercom.IsDoorbellPress(ev); ok {
//	        fmt.Println("doorbell", b.Button)
//	    }
//	})
//	defer unsub()
//
//	ok, err := s.OpenRelay(ctx, 0, 5*time.Second)
package intercom
