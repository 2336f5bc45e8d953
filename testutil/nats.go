package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockNATSClient is an in-memory bus with the Publish and Subscribe signatures
// of natsclient.Client. Handlers run synchronously inside Publish and a
// subscription ends with the context it was made with.
type MockNATSClient struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string][]mockHandler
}

type mockHandler struct {
	ctx context.Context
	fn  func(context.Context, []byte)
}

func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		published: make(map[string][][]byte),
		handlers:  make(map[string][]mockHandler),
	}
}

// Publish records data and hands it to every live handler on subject
func (c *MockNATSClient) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	c.published[subject] = append(c.published[subject], data)
	live := c.prune(subject)
	c.mu.Unlock()

	for _, h := range live {
		h.fn(h.ctx, data)
	}
	return nil
}

func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = append(c.handlers[subject], mockHandler{ctx: ctx, fn: handler})
	return nil
}

// prune drops ended subscriptions on subject and returns a copy of the rest.
// Callers hold c.mu.
func (c *MockNATSClient) prune(subject string) []mockHandler {
	var live []mockHandler
	for _, h := range c.handlers[subject] {
		if h.ctx.Err() == nil {
			live = append(live, h)
		}
	}
	c.handlers[subject] = live
	return append([]mockHandler(nil), live...)
}

// Subscribers counts live subscriptions on subject
func (c *MockNATSClient) Subscribers(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prune(subject))
}

// Messages returns a copy of everything published on subject
func (c *MockNATSClient) Messages(subject string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.published[subject]...)
}

// WaitForMessage waits for a message on subject and returns the latest one
func WaitForMessage(t *testing.T, client *MockNATSClient, subject string, timeout time.Duration) []byte {
	t.Helper()
	WaitForMessageCount(t, client, subject, 1, timeout)
	msgs := client.Messages(subject)
	return msgs[len(msgs)-1]
}

// WaitForMessageCount waits until at least count messages were published on subject
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()
	if !Eventually(func() bool { return len(client.Messages(subject)) >= count }, timeout) {
		t.Fatalf("timeout waiting for %d messages on %s (got %d)", count, subject, len(client.Messages(subject)))
	}
}

// AssertNoMessages fails the test if anything was published on subject
func AssertNoMessages(t *testing.T, client *MockNATSClient, subject string) {
	t.Helper()
	if n := len(client.Messages(subject)); n > 0 {
		t.Fatalf("expected no messages on %s, got %d", subject, n)
	}
}
