package agent

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ConnectivityMonitor holds a websocket against the server's sync link and
// reports transitions. A freshly established link is the cue to drain; a
// dropped one means queue locally until it comes back.
type ConnectivityMonitor struct {
	url       string
	token     string
	onOnline  func()
	onOffline func()
	logger    Logger
	backoff   time.Duration
}

func NewConnectivityMonitor(baseURL, token string, onOnline, onOffline func(), logger Logger) *ConnectivityMonitor {
	wsURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasPrefix(wsURL, "https://") {
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	} else if strings.HasPrefix(wsURL, "http://") {
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &ConnectivityMonitor{
		url:       wsURL + "/v1/sync/link",
		token:     token,
		onOnline:  onOnline,
		onOffline: onOffline,
		logger:    logger,
		backoff:   5 * time.Second,
	}
}

// Run blocks until ctx is done, reconnecting with a fixed backoff.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		m.holdLink(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff):
		}
	}
}

func (m *ConnectivityMonitor) holdLink(ctx context.Context) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.token)
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		m.logf("sync link unavailable: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	if m.onOnline != nil {
		m.onOnline()
	}
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(pingCtx); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	if m.onOffline != nil {
		m.onOffline()
	}
}

func (m *ConnectivityMonitor) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
