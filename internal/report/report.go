// Package report packages host data into agent reports and hands them to
// the session. Emitters implement the session observer methods so they
// can resend state on every online transition.
package report

import (
	"errors"
	"log/slog"

	"transit/internal/protocol"
)

// Sender delivers a report over the current connection. It fails when
// the agent is offline; reports are not queued across reconnects.
type Sender interface {
	Send(msg protocol.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(msg protocol.Message) error

func (f SenderFunc) Send(msg protocol.Message) error { return f(msg) }

var errNoSender = errors.New("no sender configured")

func send(sender Sender, logger *slog.Logger, msg protocol.Message) error {
	if sender == nil {
		return errNoSender
	}
	if err := sender.Send(msg); err != nil {
		logger.Debug("report not sent", "type", msg.MessageType(), "error", err)
		return err
	}
	return nil
}
