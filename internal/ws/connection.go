package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"healthmate/internal/metrics"
	"healthmate/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// heartbeatConn is implemented by *websocket.Conn. Connections that support
// it get ping/pong liveness and write deadlines.
type heartbeatConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Connect(c *Client)
	Dispatch(c *Client, ev models.ClientEvent)
	Disconnect(c *Client)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	client     *Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        *slog.Logger
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	client *Client,
	limiter *rate.Limiter,
	m *metrics.Metrics,
	log *slog.Logger,
) *Connection {
	if m == nil {
		m = metrics.New(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		client:     client,
		limiter:    limiter,
		metrics:    m,
		log:        log.With("component", "connection", "user_id", client.UserID),
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

// Handle registers the client with the hub and pumps events both ways until
// the socket fails, ctx is cancelled or the hub closes the client. The hub
// always sees exactly one Disconnect for the client.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.hub.Connect(c.client)
	defer func() {
		c.hub.Disconnect(c.client)
		c.client.Close()
	}()

	if hb, ok := c.ws.(heartbeatConn); ok {
		hb.SetReadLimit(maxMessageSize)
		_ = hb.SetReadDeadline(time.Now().Add(pongWait))
		hb.SetPongHandler(func(string) error {
			return hb.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isNormalClose(err) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.DroppedEvents.WithLabelValues(dropRateLimited).Inc()
			c.log.Warn("realtime event dropped", "event", ev.Event, "reason", dropRateLimited)
			continue
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	hb, heartbeat := c.ws.(heartbeatConn)
	var pings <-chan time.Time
	if heartbeat {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(c.client, ev)
		case ev := <-c.client.Queue():
			if heartbeat {
				_ = hb.SetWriteDeadline(time.Now().Add(writeWait))
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-pings:
			if err := hb.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-c.client.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
