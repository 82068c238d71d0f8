// Package notify provides out-of-band delivery for messages no live session
// can receive.
package notify

import (
	"context"
	"fmt"

	"github.com/xiaot623/callgate/telephony"
)

// Notifier delivers text out of band when no live session can take it.
type Notifier interface {
	Deliver(ctx context.Context, targetAddress, text string) error
}

// SMSNotifier delivers fallback messages as SMS through the telephony
// provider.
type SMSNotifier struct {
	Provider telephony.Provider
	From     string
}

// Deliver sends the text to the target number.
func (n *SMSNotifier) Deliver(ctx context.Context, targetAddress, text string) error {
	if targetAddress == "" {
		return fmt.Errorf("no fallback address configured")
	}
	return n.Provider.SendSMS(ctx, targetAddress, n.From, text)
}

var _ Notifier = (*SMSNotifier)(nil)
