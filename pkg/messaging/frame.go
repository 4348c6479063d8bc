// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/absmach/mrelay/pkg/errors"
)

// MaxFrameSize is the ceiling on one inbound frame, in bytes.
const MaxFrameSize = 4096

// Ack statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame is one self-contained message exchanged over a single-use
// connection. Recipient is mandatory; Timestamp is server-assigned on
// receipt (RFC 3339) and any client-supplied value is overwritten. A frame
// is immutable once enqueued.
type Frame struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	Encrypted bool   `json:"encrypted"`
	Timestamp string `json:"timestamp"`
}

// Ack is the single acknowledgment frame returned to a sender.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DecodeFrame parses an inbound frame and enforces the mandatory recipient.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrMalformedFrame.Error())
	}
	if f.Recipient == "" {
		return Frame{}, errors.ErrMissingRecipient
	}
	return f, nil
}
