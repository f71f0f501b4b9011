package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotsensor/iot/hub"
	"github.com/relabs-tech/iotsensor/iot/sink"
)

const (
	testHost = "devhub.local"
	testKey  = "c2VjcmV0LWtleS1mb3ItdGVzdHM="
)

const validTelemetry = `{"Temperature":21.5,"Humidity":40,"Pressure":1000,"Luminosity":300,"Motion":false,
"BatteryLevel":80,"FanOn":true,"LastC2DMessage":""}`

type published struct {
	clientID string
	topic    string
	payload  []byte
	qos      uint8
}

type fakePublisher struct {
	ch chan published
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos uint8) {
	f.ch <- published{topic: topic, payload: payload, qos: qos}
}

func (f *fakePublisher) PublishToClient(clientID, topic string, payload []byte, qos uint8) {
	f.ch <- published{clientID: clientID, topic: topic, payload: payload, qos: qos}
}

func newTestPlugin(t *testing.T, timeout time.Duration) (*plugin, *sink.Memory, *fakePublisher) {
	memory := sink.NewMemory(10)
	p, err := newPlugin(&Builder{
		HostName:      testHost,
		Registry:      Registry{"sensor-1": testKey, "sensor-2": testKey},
		Sink:          memory,
		MethodTimeout: timeout,
	})
	require.NoError(t, err)
	pub := &fakePublisher{ch: make(chan published, 10)}
	p.publisher = pub
	return p, memory, pub
}

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry(" sensor-1:" + testKey + ", sensor-2:b3RoZXI= ,")
	require.NoError(t, err)
	assert.Len(t, r, 2)
	key, ok := r.Key("sensor-2")
	assert.True(t, ok)
	assert.Equal(t, "b3RoZXI=", key)

	for _, s := range []string{"sensor-1", "sensor-1:", ":key", "sensor-1:not base64!", "a:b3RoZXI=,a:b3RoZXI="} {
		_, err := ParseRegistry(s)
		assert.Error(t, err, s)
	}
}

func TestAuthenticate(t *testing.T) {
	p, _, _ := newTestPlugin(t, time.Second)
	now := time.Now()
	p.now = func() time.Time { return now }

	token, err := hub.SharedAccessSignature(hub.DeviceResource(testHost, "sensor-1"), testKey, now.Add(time.Hour))
	require.NoError(t, err)

	assert.NoError(t, p.authenticate("sensor-1", hub.Username(testHost, "sensor-1"), token))
	assert.Error(t, p.authenticate("sensor-1", "sensor-1", token))
	assert.ErrorIs(t, p.authenticate("sensor-3", hub.Username(testHost, "sensor-3"), token), ErrUnknownDevice)
	assert.ErrorIs(t, p.authenticate("sensor-2", hub.Username(testHost, "sensor-2"), token), hub.ErrInvalidSignature)

	p.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.ErrorIs(t, p.authenticate("sensor-1", hub.Username(testHost, "sensor-1"), token), hub.ErrExpiredSignature)
}

func TestAllowedSubscription(t *testing.T) {
	p, _, _ := newTestPlugin(t, time.Second)
	assert.True(t, p.allowedSubscription("sensor-1", "devices/sensor-1/messages/devicebound/#"))
	assert.True(t, p.allowedSubscription("sensor-1", "$iothub/methods/POST/#"))
	assert.False(t, p.allowedSubscription("sensor-1", "devices/sensor-2/messages/devicebound/#"))
	assert.False(t, p.allowedSubscription("sensor-1", "#"))
	assert.False(t, p.allowedSubscription("sensor-1", "devices/sensor-1/messages/events/#"))
}

func TestHandle_Telemetry(t *testing.T) {
	p, memory, _ := newTestPlugin(t, time.Second)
	ctx := context.Background()

	topic := hub.TelemetryTopic("sensor-1", map[string]string{
		hub.PropertyMessageID:   "m1",
		hub.PropertyContentType: "application/json",
	})
	assert.True(t, p.handle(ctx, "sensor-1", topic, []byte(validTelemetry)))
	assert.False(t, p.handle(ctx, "sensor-1", topic, []byte(`{"Temperature":99}`)), "schema violation")
	assert.False(t, p.handle(ctx, "sensor-1", topic, []byte(`not json`)))
	assert.False(t, p.handle(ctx, "sensor-2", topic, []byte(validTelemetry)), "foreign device topic")
	assert.False(t, p.handle(ctx, "sensor-1", "devices/sensor-1/twin", []byte(validTelemetry)))

	list, err := memory.ListTelemetry(ctx, "sensor-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].MessageID)
	assert.Equal(t, "application/json", list[0].Properties[hub.PropertyContentType])
	assert.JSONEq(t, validTelemetry, string(list[0].Payload))

	list, _ = memory.ListTelemetry(ctx, "sensor-2", 0)
	assert.Empty(t, list)
}

func TestInvokeMethod(t *testing.T) {
	p, _, pub := newTestPlugin(t, 5*time.Second)
	ctx := context.Background()

	go func() {
		req := <-pub.ch
		name, rid, err := hub.ParseMethodRequestTopic(req.topic)
		if err != nil || name != "TurnFanOn" || req.clientID != "sensor-1" {
			return
		}
		// a response from another device is ignored
		p.handle(ctx, "sensor-2", hub.MethodResponseTopic(500, rid), []byte(`{}`))
		p.handle(ctx, "sensor-1", hub.MethodResponseTopic(200, rid), []byte(`{"result":"Executed direct method: TurnFanOn"}`))
	}()

	res, err := p.invokeMethod(ctx, "sensor-1", "TurnFanOn", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"result":"Executed direct method: TurnFanOn"}`, string(res.Payload))
	assert.Empty(t, p.pending)
}

func TestInvokeMethod_Timeout(t *testing.T) {
	p, _, pub := newTestPlugin(t, 20*time.Millisecond)

	_, err := p.invokeMethod(context.Background(), "sensor-1", "TurnFanOn", []byte(`{}`))
	assert.ErrorIs(t, err, ErrMethodTimeout)
	req := <-pub.ch
	assert.Equal(t, "{}", string(req.payload))
	assert.Empty(t, p.pending)

	_, err = p.invokeMethod(context.Background(), "sensor-9", "TurnFanOn", nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.methodTimeout = time.Minute
	_, err = p.invokeMethod(ctx, "sensor-1", "TurnFanOn", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendMessage(t *testing.T) {
	p, _, pub := newTestPlugin(t, time.Second)

	id, err := p.sendMessage("sensor-1", []byte("hello"), map[string]string{"color": "red"})
	require.NoError(t, err)
	msg := <-pub.ch
	assert.Equal(t, uint8(1), msg.qos)
	assert.Equal(t, "hello", string(msg.payload))

	device, props, err := hub.ParseC2DTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", device)
	assert.Equal(t, id, props[hub.PropertyMessageID])
	assert.Equal(t, "red", props["color"])

	_, err = p.sendMessage("sensor-9", []byte("hello"), nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	p.publisher = nil
	_, err = p.sendMessage("sensor-1", []byte("hello"), nil)
	assert.Error(t, err)
}
