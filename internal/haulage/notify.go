package haulage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SMSSender is the consumed transport capability. It is fallible and must
// never block the core transaction; the dispatcher bounds it with its own
// timeout.
type SMSSender interface {
	Send(ctx context.Context, destination, message string) error
}

type SMSSenderFunc func(ctx context.Context, destination, message string) error

func (f SMSSenderFunc) Send(ctx context.Context, destination, message string) error {
	return f(ctx, destination, message)
}

type Logger interface {
	Printf(format string, args ...any)
}

type httpSMSSender struct {
	gatewayURL string
	token      string
	httpClient *http.Client
}

// NewHTTPSMSSender sends through a JSON gateway: POST {to, message} with a
// bearer token. Any non-2xx response counts as a failed dispatch.
func NewHTTPSMSSender(gatewayURL, token string, httpClient *http.Client) SMSSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpSMSSender{
		gatewayURL: strings.TrimRight(strings.TrimSpace(gatewayURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (s *httpSMSSender) Send(ctx context.Context, destination, message string) error {
	payload, err := json.Marshal(map[string]string{"to": destination, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

type NotificationEvent string

const (
	EventDeliveryCreated NotificationEvent = "delivery.created"
	EventStatusChanged   NotificationEvent = "delivery.status_changed"
)

// Dispatcher delivers best-effort notifications after a state transition has
// durably committed. One attempt per transition; failure is reported as data,
// never as the primary error, and never rolls back the transition.
type Dispatcher struct {
	sender  SMSSender
	timeout time.Duration
	logger  Logger
}

type DispatcherOptions struct {
	Sender  SMSSender
	Timeout time.Duration
	Logger  Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		sender:  opts.Sender,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

// Notify sends the SMS for the given event. The context detaches from the
// caller's deadline so a slow side channel cannot extend the enclosing
// persistence operation past its own budget.
func (d *Dispatcher) Notify(ctx context.Context, delivery Delivery, event NotificationEvent) NotificationResult {
	if d == nil || d.sender == nil {
		return NotificationResult{}
	}
	destination := strings.TrimSpace(delivery.CustomerPhone)
	if destination == "" {
		return NotificationResult{}
	}
	message := renderMessage(delivery, event)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, destination, message); err != nil {
		if d.logger != nil {
			d.logger.Printf("notification dispatch failed for %s (%s): %v", delivery.TrackingID, event, err)
		}
		return NotificationResult{Attempted: true, Delivered: false, Reason: err.Error()}
	}
	return NotificationResult{Attempted: true, Delivered: true}
}

func renderMessage(d Delivery, event NotificationEvent) string {
	switch event {
	case EventDeliveryCreated:
		return fmt.Sprintf("Delivery %s created under booking ref %s: %.1ft in %d container(s). Track with %s.",
			d.TrackingID, d.BookingReference, d.Tonnage, d.ContainerCount, d.TrackingID)
	case EventStatusChanged:
		last := ""
		if n := len(d.Checkpoints); n > 0 {
			last = d.Checkpoints[n-1].Location
		}
		if last != "" {
			return fmt.Sprintf("Delivery %s is now %s (last checkpoint: %s).", d.TrackingID, d.Status, last)
		}
		return fmt.Sprintf("Delivery %s is now %s.", d.TrackingID, d.Status)
	default:
		return fmt.Sprintf("Delivery %s update: %s.", d.TrackingID, d.Status)
	}
}
