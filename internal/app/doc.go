// Package app — “склейка” вокруг intercom и camera: рантайм одного
// интеркома. App:
//   - держит сессию (Start подключает, Stop отключает);
//   - отслеживает состояние реле по relay.stateChanged;
//   - реагирует на звонок: запоминает нажатие, зовёт OnDoorbell и
//     (опционально) внешнюю команду из конфига;
//   - отдаёт снимок камеры и адрес MJPEG-потока;
//   - собирает Status для HTTP API и CLI.
//
// Пример:
//
//	s, _ := intercom.New(cfg.Session())
//	cam := camera.New(camera.Config{Host: cfg.Device.Host, Port: 8080})
//	a := app.New(s, cam, app.Options{DoorbellCommand: []string{"/usr/local/bin/ring"}})
//	if err := a.Start(ctx); err != nil { log.Fatal(err) }
//	defer a.Stop()
package app
