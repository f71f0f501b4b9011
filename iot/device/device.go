// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"fmt"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// Connection is what the device needs from the hub. It is implemented by *hub.Client.
type Connection interface {
	SetMethodHandler(ctx context.Context, name string, h hub.MethodHandler) error
	SetReceiveMessageHandler(ctx context.Context, h hub.MessageHandler) error
	Completer
	EventSender
}

// Uploader runs the file upload once, see package iot/upload
type Uploader interface {
	Run(ctx context.Context) error
}

// Device ties state, handlers and publisher to one connection
type Device struct {
	conn      Connection
	state     *State
	commands  *Commands
	receiver  *MessageReceiver
	publisher *Publisher
	uploader  Uploader
}

// New returns a device on conn with the fan off
func New(conn Connection) *Device {
	state := NewState()
	return &Device{
		conn:      conn,
		state:     state,
		commands:  NewCommands(state),
		receiver:  NewMessageReceiver(state, conn),
		publisher: NewPublisher(conn, state, NewSampler()),
	}
}

// WithUploader sets the file upload that runs before telemetry starts
func (d *Device) WithUploader(u Uploader) *Device {
	d.uploader = u
	return d
}

// State returns the device state
func (d *Device) State() *State {
	return d.state
}

// Publisher returns the telemetry publisher, e.g. to change its interval before Run
func (d *Device) Publisher() *Publisher {
	return d.publisher
}

// Run registers the handlers, runs the upload and then publishes telemetry until ctx is
// cancelled. A failed upload is logged and does not stop the device.
func (d *Device) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	for _, name := range d.commands.Names() {
		if err := d.conn.SetMethodHandler(ctx, name, d.commands); err != nil {
			return fmt.Errorf("cannot register method %s: %w", name, err)
		}
	}
	if err := d.conn.SetReceiveMessageHandler(ctx, d.receiver); err != nil {
		return fmt.Errorf("cannot register message handler: %w", err)
	}

	if d.uploader != nil {
		if err := d.uploader.Run(ctx); err != nil {
			rlog.WithError(err).Error("file upload failed")
		}
	}

	rlog.Info("Sending telemetry, press Ctrl-C to exit")
	return d.publisher.Run(ctx)
}
