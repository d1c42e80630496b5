package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const webhookQueueSize = 256

// AlertWebhook posts anomaly alerts to an external HTTP endpoint.
// Alerts are queued without blocking and sent by a background goroutine;
// when the queue is full the alert is dropped.
type AlertWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	events     chan AlertEvent
	retryDelay time.Duration
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewAlertWebhook starts a dispatcher for url. Pass its Notify method to
// WithAlertFunc.
func NewAlertWebhook(url, authHeader string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "alert_webhook"),
		events:     make(chan AlertEvent, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues e for delivery. It never blocks.
func (w *AlertWebhook) Notify(e AlertEvent) {
	select {
	case w.events <- e:
	default:
		w.logger.Warn("queue full, dropping alert", "alert", string(e.Type))
	}
}

// Close stops the dispatcher after draining queued alerts. Notify must not
// be called afterwards.
func (w *AlertWebhook) Close() {
	w.closeOnce.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *AlertWebhook) loop() {
	defer w.wg.Done()
	for e := range w.events {
		w.send(e)
	}
}

// send POSTs the alert with one retry on 5xx or transport errors.
func (w *AlertWebhook) send(e AlertEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := range 2 {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ScrumLive-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
