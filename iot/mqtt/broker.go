// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/core/schema"
	"github.com/relabs-tech/iotsensor/iot/hub"
	"github.com/relabs-tech/iotsensor/iot/sink"
)

// DefaultMethodTimeout is how long InvokeMethod waits for a device to respond
const DefaultMethodTimeout = 30 * time.Second

// ErrMethodTimeout is returned by InvokeMethod when the device did not respond in time
var ErrMethodTimeout = errors.New("direct method timed out")

// ErrUnknownDevice is returned for devices missing from the registry
var ErrUnknownDevice = errors.New("unknown device")

// MethodResult is the response of a device to a direct method
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address is the TCP address to listen on. Defaults to ":8883" with TLS and ":1883" without.
	Address string
	// CertFile and KeyFile enable TLS when both are set
	CertFile string
	KeyFile  string
	// HostName is the hub host name devices sign their tokens for. This is mandatory.
	HostName string
	// Registry holds the devices allowed to connect. This is mandatory.
	Registry Registry
	// Sink receives validated telemetry. Optional.
	Sink sink.Sink
	// MethodTimeout defaults to DefaultMethodTimeout
	MethodTimeout time.Duration
}

// Broker is a MQTT broker emulating the device endpoint of an IoT hub
type Broker struct {
	p  *plugin
	ln net.Listener
}

// publisher delivers messages to connected devices
type publisher interface {
	Publish(topic string, payload []byte, qos uint8)
	PublishToClient(clientID, topic string, payload []byte, qos uint8)
}

type gmqttPublisher struct {
	service gmqtt.Server
}

func (g gmqttPublisher) Publish(topic string, payload []byte, qos uint8) {
	g.service.PublishService().Publish(gmqtt.NewMessage(topic, payload, qos))
}

func (g gmqttPublisher) PublishToClient(clientID, topic string, payload []byte, qos uint8) {
	g.service.PublishService().PublishToClient(clientID, gmqtt.NewMessage(topic, payload, qos), true)
}

type pendingCall struct {
	deviceID string
	result   chan MethodResult
}

// plugin is the plugin for GMQTT
type plugin struct {
	hostName      string
	registry      Registry
	sink          sink.Sink
	validator     *schema.Validator
	methodTimeout time.Duration
	now           func() time.Time

	pubMu     sync.RWMutex
	publisher publisher

	pendingMu sync.Mutex
	pending   map[string]pendingCall
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.HostName == "" {
		return nil, errors.New("host name missing")
	}
	if len(bb.Registry) == 0 {
		return nil, errors.New("device registry is empty")
	}

	p, err := newPlugin(bb)
	if err != nil {
		return nil, err
	}

	var ln net.Listener
	if bb.CertFile != "" && bb.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			return nil, err
		}
		address := bb.Address
		if address == "" {
			address = ":8883"
		}
		ln, err = tls.Listen("tcp", address, &tls.Config{Certificates: []tls.Certificate{crt}})
		if err != nil {
			return nil, err
		}
	} else {
		address := bb.Address
		if address == "" {
			address = ":1883"
		}
		ln, err = net.Listen("tcp", address)
		if err != nil {
			return nil, err
		}
	}

	return &Broker{p: p, ln: ln}, nil
}

func newPlugin(bb *Builder) (*plugin, error) {
	validator, err := schema.NewTelemetryValidator()
	if err != nil {
		return nil, err
	}
	timeout := bb.MethodTimeout
	if timeout <= 0 {
		timeout = DefaultMethodTimeout
	}
	return &plugin{
		hostName:      bb.HostName,
		registry:      bb.Registry,
		sink:          bb.Sink,
		validator:     validator,
		methodTimeout: timeout,
		now:           time.Now,
		pending:       map[string]pendingCall{},
	}, nil
}

// Addr returns the address the broker listens on
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Run runs the server until ctx is cancelled
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infof("mqtt broker listening on %s", b.ln.Addr())
	<-ctx.Done()
	s.Stop(context.Background())
	logger.Default().Info("mqtt broker stopped")
}

// InvokeMethod calls the direct method name on a device and waits for its response
func (b *Broker) InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (*MethodResult, error) {
	return b.p.invokeMethod(ctx, deviceID, name, payload)
}

// SendMessage sends a cloud-to-device message and returns its message id
func (b *Broker) SendMessage(deviceID string, payload []byte, props map[string]string) (string, error) {
	return b.p.sendMessage(deviceID, payload, props)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Info("load devhub")
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	p.publisher = gmqttPublisher{service: service}
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "devhub" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) getPublisher() (publisher, error) {
	p.pubMu.RLock()
	defer p.pubMu.RUnlock()
	if p.publisher == nil {
		return nil, errors.New("broker is not running")
	}
	return p.publisher, nil
}

// authenticate checks the IoT hub credentials of a connecting device
func (p *plugin) authenticate(clientID, username, password string) error {
	key, ok := p.registry.Key(clientID)
	if !ok {
		return ErrUnknownDevice
	}
	if username != hub.Username(p.hostName, clientID) {
		return fmt.Errorf("unexpected username %s", username)
	}
	return hub.VerifySharedAccessSignature(password, hub.DeviceResource(p.hostName, clientID), key, p.now())
}

// OnConnectWrapper enforces shared access signature authentication
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		deviceID := options.ClientID()
		_, rlog := logger.ContextWithDevice(ctx, deviceID)
		if err := p.authenticate(deviceID, options.Username(), options.Password()); err != nil {
			rlog.WithError(err).Warn("connect denied")
			return packets.CodeNotAuthorized
		}
		rlog.Info("connect")
		return connect(ctx, client)
	}
}

// allowedSubscription returns true for topic filters a device may subscribe to
func (p *plugin) allowedSubscription(deviceID, filter string) bool {
	return filter == hub.C2DSubscription(deviceID) || filter == hub.MethodSubscription
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !p.allowedSubscription(deviceID, topic.Name) {
			logger.FromContext(ctx).WithField("device_id", deviceID).Warnf("subscription to %s denied", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper intercepts messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !p.handle(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// handle processes a message published by deviceID. It returns false if the message must not be
// routed any further.
func (p *plugin) handle(ctx context.Context, deviceID, topic string, payload []byte) bool {
	ctx, rlog := logger.ContextWithDevice(ctx, deviceID)
	switch {
	case strings.HasPrefix(topic, "devices/"+deviceID+"/messages/events/"):
		return p.telemetry(ctx, deviceID, topic, payload)
	case strings.HasPrefix(topic, "$iothub/methods/res/"):
		p.methodResponse(ctx, deviceID, topic, payload)
		return false
	}
	rlog.Warnf("publish to %s denied", topic)
	return false
}

func (p *plugin) telemetry(ctx context.Context, deviceID, topic string, payload []byte) bool {
	rlog := logger.FromContext(ctx)
	_, props, err := hub.ParseTelemetryTopic(topic)
	if err != nil {
		rlog.WithError(err).Warn("invalid telemetry topic")
		return false
	}
	if err := p.validator.ValidateBytes(payload, schema.TelemetrySchemaID); err != nil {
		rlog.WithError(err).Warn("invalid telemetry")
		return false
	}
	rlog.Debugf("telemetry: %s", payload)
	if p.sink == nil {
		return true
	}
	record := sink.TelemetryRecord{
		DeviceID:   deviceID,
		MessageID:  props[hub.PropertyMessageID],
		ReceivedAt: p.now().UTC(),
		Properties: props,
		Payload:    json.RawMessage(payload),
	}
	if err := p.sink.Telemetry(ctx, record); err != nil {
		rlog.WithError(err).Error("recording telemetry")
	}
	return true
}

func (p *plugin) methodResponse(ctx context.Context, deviceID, topic string, payload []byte) {
	rlog := logger.FromContext(ctx)
	status, rid, err := hub.ParseMethodResponseTopic(topic)
	if err != nil {
		rlog.WithError(err).Warn("invalid method response topic")
		return
	}
	p.pendingMu.Lock()
	call, ok := p.pending[rid]
	if ok && call.deviceID == deviceID {
		delete(p.pending, rid)
	}
	p.pendingMu.Unlock()
	if !ok || call.deviceID != deviceID {
		rlog.Warnf("no pending method call with $rid=%s", rid)
		return
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	call.result <- MethodResult{Status: status, Payload: append(json.RawMessage(nil), payload...)}
}

func (p *plugin) invokeMethod(ctx context.Context, deviceID, name string, payload []byte) (*MethodResult, error) {
	if _, ok := p.registry.Key(deviceID); !ok {
		return nil, ErrUnknownDevice
	}
	pub, err := p.getPublisher()
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	rid := uuid.NewString()
	call := pendingCall{deviceID: deviceID, result: make(chan MethodResult, 1)}
	p.pendingMu.Lock()
	p.pending[rid] = call
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, rid)
		p.pendingMu.Unlock()
	}()

	logger.FromContext(ctx).WithField("device_id", deviceID).Infof("invoke direct method %s ($rid=%s)", name, rid)
	pub.PublishToClient(deviceID, hub.MethodRequestTopic(name, rid), payload, packets.QOS_0)

	timer := time.NewTimer(p.methodTimeout)
	defer timer.Stop()
	select {
	case res := <-call.result:
		return &res, nil
	case <-timer.C:
		return nil, ErrMethodTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *plugin) sendMessage(deviceID string, payload []byte, props map[string]string) (string, error) {
	if _, ok := p.registry.Key(deviceID); !ok {
		return "", ErrUnknownDevice
	}
	pub, err := p.getPublisher()
	if err != nil {
		return "", err
	}
	all := map[string]string{}
	for k, v := range props {
		all[k] = v
	}
	messageID := uuid.NewString()
	all[hub.PropertyMessageID] = messageID
	all[hub.PropertyTo] = "/devices/" + deviceID + "/messages/deviceBound"
	pub.Publish(hub.C2DTopic(deviceID, all), payload, packets.QOS_1)
	return messageID, nil
}
