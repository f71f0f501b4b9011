// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotsensor/core/client"
	"github.com/relabs-tech/iotsensor/core/logger"
)

// ErrNotConnected is returned when the connection to the hub is down
var ErrNotConnected = errors.New("not connected to the hub")

// DefaultQoS is used for telemetry and cloud-to-device subscriptions
const DefaultQoS = 1

// Options configures Dial
type Options struct {
	ConnectionString ConnectionString
	// BrokerURL defaults to tls://<HostName>:8883
	BrokerURL string
	// HTTPURL defaults to https://<HostName>
	HTTPURL string
	// TokenLifetime of the shared access signatures, defaults to one hour
	TokenLifetime time.Duration
	// TLSConfig is used for tls:// and ssl:// brokers
	TLSConfig *tls.Config
	// KeepAlive defaults to 60 seconds
	KeepAlive time.Duration
	// HTTPClient replaces the default client for the REST calls
	HTTPClient *http.Client
}

// Client is a device connection to the hub. It carries telemetry, cloud-to-device messages
// and direct methods over MQTT, and the file upload calls over HTTPS.
type Client struct {
	opts Options
	conn mqtt.Client
	rest client.Client

	ctx    context.Context
	cancel context.CancelFunc

	subm       sync.Mutex
	subs       []subFunc // resubscribed on every reconnect
	subscribed map[string]bool

	hmu      sync.RWMutex
	methods  map[string]MethodHandler
	messages MessageHandler
}

type subFunc func(ctx context.Context) error

// Dial connects to the hub. The returned client reconnects on its own until Close is called.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	cs := opts.ConnectionString
	if cs.HostName == "" || cs.DeviceID == "" || cs.SharedAccessKey == "" {
		return nil, fmt.Errorf("incomplete connection string")
	}
	if opts.BrokerURL == "" {
		opts.BrokerURL = "tls://" + cs.HostName + ":8883"
	}
	if opts.HTTPURL == "" {
		opts.HTTPURL = "https://" + cs.HostName
	}
	if opts.TokenLifetime == 0 {
		opts.TokenLifetime = time.Hour
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	rootCtx, rlog := logger.ContextWithDevice(rootCtx, cs.DeviceID)

	c := &Client{
		opts:       opts,
		ctx:        rootCtx,
		cancel:     cancel,
		methods:    map[string]MethodHandler{},
		subscribed: map[string]bool{},
		rest:       client.NewWithURL(opts.HTTPURL),
	}
	if opts.HTTPClient != nil {
		c.rest = c.rest.WithHTTPClient(opts.HTTPClient)
	}

	username := Username(cs.HostName, cs.DeviceID)
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	if opts.TLSConfig != nil {
		o.SetTLSConfig(opts.TLSConfig)
	}
	o.SetProtocolVersion(4)
	o.SetClientID(cs.DeviceID)
	o.SetCredentialsProvider(func() (string, string) {
		token, err := c.token()
		if err != nil {
			rlog.WithError(err).Error("cannot generate token")
			return "", ""
		}
		return username, token
	})
	o.SetCleanSession(false)
	o.SetKeepAlive(opts.KeepAlive)
	o.SetWriteTimeout(30 * time.Second)
	o.SetMaxReconnectInterval(30 * time.Second)
	o.SetAutoReconnect(true)
	// cloud-to-device messages are acknowledged by Complete
	o.SetAutoAckDisabled(true)
	// cloud-to-device messages are handled in arrival order. Callbacks run on the router,
	// so method handlers are moved to their own goroutine in onMethod.
	o.SetOrderMatters(true)
	o.SetOnConnectHandler(func(mqtt.Client) {
		rlog.Info("connected to ", opts.BrokerURL)
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()
		c.subm.Lock()
		defer c.subm.Unlock()
		for _, sub := range c.subs {
			if err := sub(ctx); err != nil {
				rlog.WithError(err).Error("cannot resubscribe")
			}
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		rlog.WithError(err).Warn("connection lost")
	})

	c.conn = mqtt.NewClient(o)
	if err := contextToken(ctx, c.conn.Connect()); err != nil {
		cancel()
		return nil, fmt.Errorf("cannot connect to %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

// DeviceID returns the id of the connected device
func (c *Client) DeviceID() string {
	return c.opts.ConnectionString.DeviceID
}

func (c *Client) token() (string, error) {
	cs := c.opts.ConnectionString
	return SharedAccessSignature(cs.Resource(), cs.SharedAccessKey, time.Now().Add(c.opts.TokenLifetime))
}

// subscribeOnce runs s unless filter is already subscribed. A successful s is remembered
// for reconnects, a failed one is tried again on the next call.
func (c *Client) subscribeOnce(ctx context.Context, filter string, s subFunc) error {
	c.subm.Lock()
	defer c.subm.Unlock()
	if c.subscribed[filter] {
		return nil
	}
	if err := s(ctx); err != nil {
		return err
	}
	c.subscribed[filter] = true
	c.subs = append(c.subs, s)
	return nil
}

// SetMethodHandler registers h for the direct method name. Methods without a handler are
// answered with status 404.
func (c *Client) SetMethodHandler(ctx context.Context, name string, h MethodHandler) error {
	c.hmu.Lock()
	c.methods[name] = h
	c.hmu.Unlock()
	return c.subscribeOnce(ctx, MethodSubscription, func(ctx context.Context) error {
		return contextToken(ctx, c.conn.Subscribe(MethodSubscription, 0, c.onMethod))
	})
}

// SetReceiveMessageHandler registers h for cloud-to-device messages. Messages are handed
// to h one at a time in the order they arrive.
func (c *Client) SetReceiveMessageHandler(ctx context.Context, h MessageHandler) error {
	c.hmu.Lock()
	c.messages = h
	c.hmu.Unlock()
	filter := C2DSubscription(c.DeviceID())
	return c.subscribeOnce(ctx, filter, func(ctx context.Context) error {
		return contextToken(ctx, c.conn.Subscribe(filter, DefaultQoS, c.onMessage))
	})
}

// UnknownMethod is the response for a direct method nobody handles
func UnknownMethod(name string) MethodResponse {
	body, _ := json.Marshal(map[string]string{"result": "Unknown direct method: " + name})
	return MethodResponse{Status: http.StatusNotFound, Payload: body}
}

func (c *Client) onMethod(_ mqtt.Client, m mqtt.Message) {
	m.Ack()
	rlog := logger.FromContext(c.ctx)
	name, rid, err := ParseMethodRequestTopic(m.Topic())
	if err != nil {
		rlog.WithError(err).Error("cannot parse method request")
		return
	}
	go c.handleMethod(name, rid, m.Payload())
}

func (c *Client) handleMethod(name, rid string, payload []byte) {
	ctx, rlog := logger.ContextWithLoggerFields(c.ctx, logrus.Fields{"method": name, "rid": rid})

	c.hmu.RLock()
	h := c.methods[name]
	c.hmu.RUnlock()

	var res MethodResponse
	if h == nil {
		res = UnknownMethod(name)
	} else {
		res = h.HandleMethod(ctx, MethodRequest{Name: name, RequestID: rid, Payload: payload})
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := contextToken(sendCtx, c.conn.Publish(MethodResponseTopic(res.Status, rid), 0, false, res.Payload)); err != nil {
		rlog.WithError(err).Error("cannot send method response")
	}
}

func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	rlog := logger.FromContext(c.ctx)
	_, props, err := ParseC2DTopic(m.Topic())
	if err != nil {
		rlog.WithError(err).Error("dropping message")
		m.Ack()
		return
	}
	msg := NewReceivedMessage(m.Payload(), props, func() error {
		if !c.conn.IsConnectionOpen() {
			return ErrNotConnected
		}
		m.Ack()
		return nil
	})

	c.hmu.RLock()
	h := c.messages
	c.hmu.RUnlock()

	if err := h.HandleMessage(c.ctx, msg); err != nil {
		rlog.WithError(err).Error("message handler failed")
	}
}

// Complete acknowledges a received message. A message can be completed once.
func (c *Client) Complete(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return msg.complete()
}

// SendEvent publishes msg as device-to-cloud telemetry with QoS 1
func (c *Client) SendEvent(ctx context.Context, msg *Message) error {
	if !c.conn.IsConnectionOpen() {
		return ErrNotConnected
	}
	topic := TelemetryTopic(c.DeviceID(), msg.properties())
	return contextToken(ctx, c.conn.Publish(topic, DefaultQoS, false, msg.Payload))
}

// Close disconnects from the hub
func (c *Client) Close() error {
	c.cancel()
	c.conn.Disconnect(250)
	return nil
}

// contextToken waits for t or ctx, whatever comes first
func contextToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
