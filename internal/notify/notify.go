// Package notify defines the notification channel contract used by
// announce-mode delivery, plus the built-in channel backends.
package notify

import "context"

// Sender delivers a message to a job owner through one channel. A nil
// error means the channel accepted the message.
type Sender interface {
	// Name identifies the channel in logs and delivery errors.
	Name() string
	Send(ctx context.Context, ownerID, message string, meta map[string]any) error
}
