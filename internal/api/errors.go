package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/EgorLis/fibaro-intercom/internal/app"
	"github.com/EgorLis/fibaro-intercom/internal/camera"
	"github.com/EgorLis/fibaro-intercom/internal/intercom"
)

// classify сопоставляет ошибку рантайма HTTP-статусу и коду в теле ответа.
func classify(err error) (int, string) {
	var (
		rerr *intercom.RemoteError
		serr *camera.StatusError
	)
	switch {
	case errors.Is(err, intercom.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, app.ErrNoCamera):
		return http.StatusNotFound, "camera_not_configured"
	case errors.Is(err, intercom.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, intercom.ErrNotConnected),
		errors.Is(err, intercom.ErrConnectionLost),
		errors.Is(err, intercom.ErrConnection),
		errors.Is(err, intercom.ErrClosed):
		return http.StatusServiceUnavailable, "not_connected"
	case errors.As(err, &rerr):
		return http.StatusBadGateway, "device_error"
	case errors.As(err, &serr), errors.Is(err, camera.ErrUnavailable):
		return http.StatusBadGateway, "camera_error"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
