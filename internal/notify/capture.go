package notify

import (
	"context"
	"sync"
)

// CaptureSender records notifications for use in tests.
type CaptureSender struct {
	mu    sync.Mutex
	Calls []CaptureCall

	// Err, when set, is returned from every Send to simulate a failing
	// channel.
	Err error
}

// CaptureCall records a single Send invocation.
type CaptureCall struct {
	OwnerID string
	Message string
	Meta    map[string]any
}

func (c *CaptureSender) Name() string { return "capture" }

func (c *CaptureSender) Send(_ context.Context, ownerID, message string, meta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Calls = append(c.Calls, CaptureCall{OwnerID: ownerID, Message: message, Meta: meta})
	return nil
}

// Count returns the number of accepted sends.
func (c *CaptureSender) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Last returns the most recent accepted call, or a zero value.
func (c *CaptureSender) Last() CaptureCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Calls) == 0 {
		return CaptureCall{}
	}
	return c.Calls[len(c.Calls)-1]
}

// Reset clears all recorded calls.
func (c *CaptureSender) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
}
