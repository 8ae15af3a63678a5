// Package camera — HTTP-камера интеркома: снимок JPEG и адрес MJPEG-потока.
// Авторизация — HTTP Basic теми же логином и паролем, что и JSON-RPC.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

const (
	StillPath = "/live/jpeg"
	MJPEGPath = "/live/mjpeg"

	maxImageSize = 8 << 20
)

var (
	ErrUnauthorized = errors.New("camera: unauthorized")
	ErrUnavailable  = errors.New("camera: unavailable")
)

// StatusError — камера ответила не 2xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("camera: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrUnavailable:
		return e.Code >= 500
	}
	return false
}

// Image — снимок с камеры.
type Image struct {
	Data        []byte
	ContentType string
	Taken       time.Time
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

type Client struct {
	http     *http.Client
	baseURL  string
	username string
	password string
	logger   zerolog.Logger

	mu   sync.RWMutex
	last *Image
	etag string // для If-None-Match
}

// New создаёт клиент камеры. Сеть не трогает.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		username: cfg.Username,
		password: cfg.Password,
		logger:   ilog.WithComponent("camera"),
	}
}

// MJPEGURL — адрес живого потока (без учётных данных).
func (c *Client) MJPEGURL() string {
	return c.baseURL + MJPEGPath
}

// Snapshot забирает один кадр. Если камера ответила 304 на наш ETag,
// отдаём предыдущий кадр.
func (c *Client) Snapshot(ctx context.Context) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+StillPath, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "image/jpeg")

	c.mu.RLock()
	if c.etag != "" && c.last != nil {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	// 304 — кадр не изменился
	if resp.StatusCode == http.StatusNotModified {
		c.mu.RLock()
		prev := c.last
		c.mu.RUnlock()
		if prev != nil {
			c.logger.Debug().Msg("snapshot not modified")
			return prev, nil
		}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("camera: image larger than %d bytes", maxImageSize)
	}

	img := &Image{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Taken:       time.Now(),
	}
	if img.ContentType == "" {
		img.ContentType = http.DetectContentType(data)
	}

	c.mu.Lock()
	c.last = img
	c.etag = resp.Header.Get("ETag")
	c.mu.Unlock()

	c.logger.Debug().
		Int("bytes", len(data)).
		Dur(ilog.FieldElapsed, time.Since(start)).
		Msg("snapshot fetched")
	return img, nil
}

// Last — последний успешно полученный кадр или nil.
func (c *Client) Last() *Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
