// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// DefaultInterval between two telemetry messages
const DefaultInterval = time.Second

// EventSender publishes device-to-cloud messages
type EventSender interface {
	SendEvent(ctx context.Context, msg *hub.Message) error
}

// Publisher sends one Reading per interval until its context is cancelled
type Publisher struct {
	sender   EventSender
	state    *State
	sampler  *Sampler
	interval time.Duration

	// ErrorHandler is called for every failed send. The loop continues afterwards
	// regardless of what the handler does. The default logs the error.
	ErrorHandler func(ctx context.Context, err error)

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPublisher returns a publisher sampling state with sampler every DefaultInterval
func NewPublisher(sender EventSender, state *State, sampler *Sampler) *Publisher {
	return &Publisher{
		sender:   sender,
		state:    state,
		sampler:  sampler,
		interval: DefaultInterval,
		ErrorHandler: func(ctx context.Context, err error) {
			logger.FromContext(ctx).WithError(err).Error("cannot send telemetry")
		},
	}
}

// WithInterval changes the publishing interval
func (p *Publisher) WithInterval(interval time.Duration) *Publisher {
	p.interval = interval
	return p
}

// Stats returns the number of sent and failed messages
func (p *Publisher) Stats() (sent, failed uint64) {
	return p.sent.Load(), p.failed.Load()
}

// Run publishes until ctx is cancelled and then returns ctx.Err(). Nothing is sent after
// Run has returned.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publish(ctx); err != nil {
			p.failed.Add(1)
			if ctx.Err() == nil && p.ErrorHandler != nil {
				p.ErrorHandler(ctx, err)
			}
		} else {
			p.sent.Add(1)
		}

		wait := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	reading := p.sampler.Sample(p.state.Snapshot())
	// message text goes out as received, without HTML escaping
	payload, err := json.MarshalNoEscape(reading)
	if err != nil {
		return fmt.Errorf("cannot marshal reading: %w", err)
	}
	msg := &hub.Message{
		MessageID:       uuid.NewString(),
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Payload:         payload,
	}
	if err := p.sender.SendEvent(ctx, msg); err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("Sent message: %s", payload)
	return nil
}
