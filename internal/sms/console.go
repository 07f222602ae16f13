package sms

import (
	"context"
	"log"
)

// Console writes codes to the process log instead of sending SMS. Used in
// sandbox mode and local development.
type Console struct {
	logger *log.Logger
}

// NewConsole creates a console sender.
func NewConsole() *Console {
	return &Console{logger: log.New(log.Writer(), "[SMS-SANDBOX] ", log.LstdFlags)}
}

func (c *Console) Send(_ context.Context, phone, code string) error {
	c.logger.Printf("OTP for %s: %s", phone, code)
	return nil
}

var _ Sender = (*Console)(nil)
