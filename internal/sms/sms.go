// Package sms defines the delivery contract for one-time codes and two
// implementations: a console sender for sandbox mode and an HTTP gateway
// client for production.
package sms

import "context"

// Sender delivers a one-time code to a phone number. Implementations must
// respect the context deadline.
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}
