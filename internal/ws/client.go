package ws

import (
	"sync"

	"healthmate/internal/models"
)

const defaultSendQueueSize = 64

// Client is the outbound side of one realtime connection.
//
// The send queue is never closed: the hub, delayed acks and broadcasts may
// all write to it concurrently. Shutdown is signalled through done.
type Client struct {
	UserID string
	Email  string

	queue     chan models.ServerEvent
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the hub goroutine.
	online bool
	rooms  map[string]struct{}
}

func NewClient(userID, email string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Client{
		UserID: userID,
		Email:  models.NormalizeEmail(email),
		queue:  make(chan models.ServerEvent, queueSize),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// Send enqueues ev without blocking. It returns false when the queue is full
// or the client is closed.
func (c *Client) Send(ev models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) Queue() <-chan models.ServerEvent {
	return c.queue
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
