// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// ErrMalformedMessage is returned for cloud-to-device messages that are not UTF-8 text.
// Such messages are acknowledged and otherwise ignored.
var ErrMalformedMessage = errors.New("malformed message")

// Completer acknowledges received messages
type Completer interface {
	Complete(ctx context.Context, msg *hub.Message) error
}

// MessageReceiver records cloud-to-device messages in the device state
type MessageReceiver struct {
	state     *State
	completer Completer
}

// NewMessageReceiver returns a receiver updating state and acknowledging with completer
func NewMessageReceiver(state *State, completer Completer) *MessageReceiver {
	return &MessageReceiver{state: state, completer: completer}
}

// HandleMessage implements hub.MessageHandler. Every message is completed exactly once,
// a completion error is returned. Redelivered messages are handled again.
func (r *MessageReceiver) HandleMessage(ctx context.Context, msg *hub.Message) error {
	rlog := logger.FromContext(ctx)
	if !utf8.Valid(msg.Payload) {
		rlog.Errorf("Dropping message %s: payload is not UTF-8", msg.MessageID)
		if err := r.completer.Complete(ctx, msg); err != nil {
			return fmt.Errorf("%w: cannot complete: %v", ErrMalformedMessage, err)
		}
		return ErrMalformedMessage
	}

	text := string(msg.Payload)
	r.state.SetLastMessage(text)
	rlog.Infof("Received message: %s", text)

	if err := r.completer.Complete(ctx, msg); err != nil {
		return fmt.Errorf("cannot complete message %s: %w", msg.MessageID, err)
	}
	return nil
}
