// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyCompleted is returned when a received message is completed a second time
var ErrAlreadyCompleted = errors.New("message already completed")

// System property names as they appear in topic property bags
const (
	PropertyMessageID       = "$.mid"
	PropertyCorrelationID   = "$.cid"
	PropertyContentType     = "$.ct"
	PropertyContentEncoding = "$.ce"
	PropertyTo              = "$.to"
)

// Message is a device-to-cloud or cloud-to-device message
type Message struct {
	MessageID       string
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	// Properties holds application properties, system properties are in the fields above
	Properties map[string]string
	Payload    []byte

	once sync.Once
	ack  func() error
}

// NewReceivedMessage returns an inbound message whose completion calls ack
func NewReceivedMessage(payload []byte, props map[string]string, ack func() error) *Message {
	m := &Message{
		Payload:    payload,
		Properties: map[string]string{},
		ack:        ack,
	}
	for k, v := range props {
		switch k {
		case PropertyMessageID:
			m.MessageID = v
		case PropertyCorrelationID:
			m.CorrelationID = v
		case PropertyContentType:
			m.ContentType = v
		case PropertyContentEncoding:
			m.ContentEncoding = v
		case PropertyTo:
		default:
			m.Properties[k] = v
		}
	}
	return m
}

// complete acknowledges the message exactly once
func (m *Message) complete() error {
	err := ErrAlreadyCompleted
	m.once.Do(func() {
		err = nil
		if m.ack != nil {
			err = m.ack()
		}
	})
	return err
}

// properties returns the system and application properties for a topic
func (m *Message) properties() map[string]string {
	props := map[string]string{}
	for k, v := range m.Properties {
		props[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			props[k] = v
		}
	}
	set(PropertyMessageID, m.MessageID)
	set(PropertyCorrelationID, m.CorrelationID)
	set(PropertyContentType, m.ContentType)
	set(PropertyContentEncoding, m.ContentEncoding)
	return props
}

// MethodRequest is a direct method invocation
type MethodRequest struct {
	Name      string
	RequestID string
	Payload   []byte
}

// MethodResponse is the answer to a direct method
type MethodResponse struct {
	Status  int
	Payload []byte
}

// MethodHandler executes direct methods
type MethodHandler interface {
	HandleMethod(ctx context.Context, req MethodRequest) MethodResponse
}

// MethodHandlerFunc adapts a function to a MethodHandler
type MethodHandlerFunc func(ctx context.Context, req MethodRequest) MethodResponse

// HandleMethod calls f
func (f MethodHandlerFunc) HandleMethod(ctx context.Context, req MethodRequest) MethodResponse {
	return f(ctx, req)
}

// MessageHandler consumes cloud-to-device messages. The handler owns completion of the
// message, see Client.Complete.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *Message) error
}

// MessageHandlerFunc adapts a function to a MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Message) error

// HandleMessage calls f
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
