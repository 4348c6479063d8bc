// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mrelay/pkg/errors"
)

const ackBufferSize = 1024

// Client is the sender-side counterpart of the router: open a fresh
// connection, write one frame, read exactly one acknowledgment, close.
// There is no built-in retry; a failed delivery is reported to the caller,
// who decides whether to try again.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a message client for the router at addr.
func NewClient(addr string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = DefaultFrameDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: addr, timeout: timeout, logger: logger}
}

// Send delivers one message over TCP. Any connect, write, or ack failure,
// including a malformed or error-status ack, is a delivery failure. The
// timestamp is assigned by the router; whatever the client puts there is
// ignored.
func (c *Client) Send(sender, recipient, body string, encrypted bool) error {
	frame := Frame{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Encrypted: encrypted,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}
	// Half-close so the router sees end of frame unambiguously.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	ack, err := readAck(conn)
	if err != nil {
		return err
	}
	if ack.Status != StatusSuccess {
		c.logger.Debug("delivery rejected",
			slog.String("recipient", recipient),
			slog.String("reason", ack.Message))
		return errors.Wrap(errors.ErrDeliveryFailed, ack.Message)
	}

	c.logger.Debug("message sent",
		slog.String("sender", sender),
		slog.String("recipient", recipient))
	return nil
}

// SendUDP delivers one message as a datagram. The ack wait is best effort:
// an ack that never arrives does not fail the send, matching the transport's
// own guarantees. An explicit error ack still does.
func (c *Client) SendUDP(addr, sender, recipient, body string, encrypted bool) error {
	frame := Frame{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Encrypted: encrypted,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}

	ack, err := readAck(conn)
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			c.logger.Debug("no ack datagram received",
				slog.String("recipient", recipient))
			return nil
		}
		return err
	}
	if ack.Status != StatusSuccess {
		return errors.Wrap(errors.ErrDeliveryFailed, ack.Message)
	}
	return nil
}

// readAck reads and parses exactly one acknowledgment frame.
func readAck(conn net.Conn) (Ack, error) {
	buf := make([]byte, 0, ackBufferSize)
	chunk := make([]byte, ackBufferSize)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if json.Valid(buf) {
				break
			}
		}
		if err != nil {
			if len(buf) > 0 && json.Valid(buf) {
				break
			}
			return Ack{}, errors.Wrap(err, errors.ErrDeliveryFailed.Error())
		}
	}

	var ack Ack
	if err := json.Unmarshal(buf, &ack); err != nil {
		return Ack{}, errors.Wrap(err, errors.ErrDeliveryFailed.Error())
	}
	return ack, nil
}
