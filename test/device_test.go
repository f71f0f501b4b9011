package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/api"
	"github.com/relabs-tech/iotsensor/iot/device"
	"github.com/relabs-tech/iotsensor/iot/hub"
	"github.com/relabs-tech/iotsensor/iot/kss"
	"github.com/relabs-tech/iotsensor/iot/mqtt"
	"github.com/relabs-tech/iotsensor/iot/sink"
	"github.com/relabs-tech/iotsensor/iot/upload"
)

const (
	testHost = "devhub.local"
	testKey  = "c2VjcmV0LWtleS1mb3ItZGV2aHVi"
)

// recorder is a sink that can also be queried
type recorder interface {
	sink.Sink
	sink.Store
}

// devhub is an in-process hub: mqtt broker, REST API and local blob storage
type devhub struct {
	broker *mqtt.Broker
	url    string
}

func startDevhub(t *testing.T, ctx context.Context, store recorder) *devhub {
	registry := mqtt.Registry{"sensor-1": testKey}
	broker, err := mqtt.NewBroker(&mqtt.Builder{
		Address:       "127.0.0.1:0",
		HostName:      testHost,
		Registry:      registry,
		Sink:          store,
		MethodTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	brokerCtx, stopBroker := context.WithCancel(ctx)
	t.Cleanup(stopBroker)
	go broker.Run(brokerCtx)

	router := mux.NewRouter()
	logger.AddRequestID(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	publicURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	driver, err := kss.New(router, kss.Configuration{
		DriverType:         kss.DriverTypeLocal,
		LocalConfiguration: &kss.LocalConfiguration{BasePath: t.TempDir()},
	}, *publicURL)
	require.NoError(t, err)
	api.MustNewAPI(&api.Builder{
		HostName: testHost,
		Registry: registry,
		Driver:   driver,
		Broker:   broker,
		Sink:     store,
		Store:    store,
		Router:   router,
	})
	return &devhub{broker: broker, url: srv.URL}
}

func (d *devhub) dial(t *testing.T, ctx context.Context) *hub.Client {
	conn, err := hub.Dial(ctx, hub.Options{
		ConnectionString: hub.ConnectionString{HostName: testHost, DeviceID: "sensor-1", SharedAccessKey: testKey},
		BrokerURL:        "tcp://" + d.broker.Addr().String(),
		HTTPURL:          d.url,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// runDevice runs a device against a devhub recording into store: upload, telemetry,
// direct methods and cloud-to-device messages
func runDevice(t *testing.T, ctx context.Context, store recorder) {
	dh := startDevhub(t, ctx, store)

	uploadPath := filepath.Join(t.TempDir(), "upload_me.txt")
	require.NoError(t, os.WriteFile(uploadPath, []byte("file content"), 0600))
	conn := dh.dial(t, ctx)

	d := device.New(conn).WithUploader(upload.NewSession(uploadPath, conn, &upload.PutTransfer{}))
	d.Publisher().WithInterval(100 * time.Millisecond)
	deviceCtx, stopDevice := context.WithCancel(ctx)
	defer stopDevice()
	done := make(chan error, 1)
	go func() { done <- d.Run(deviceCtx) }()

	require.Eventually(t, func() bool {
		list, err := store.ListTelemetry(ctx, "sensor-1", 1)
		return err == nil && len(list) == 1
	}, 20*time.Second, 100*time.Millisecond)
	list, err := store.ListTelemetry(ctx, "sensor-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "application/json", list[0].Properties[hub.PropertyContentType])
	assert.Equal(t, "utf-8", list[0].Properties[hub.PropertyContentEncoding])
	assert.NotEmpty(t, list[0].MessageID)

	uploads, err := store.ListUploads(ctx, "sensor-1", 10)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.True(t, uploads[0].IsSuccess)
	assert.Equal(t, "Success", uploads[0].StatusDescription)

	res, err := dh.broker.InvokeMethod(ctx, "sensor-1", device.MethodTurnFanOn, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"result":"Executed direct method: TurnFanOn"}`, string(res.Payload))
	assert.True(t, d.State().Snapshot().FanOn)

	res, err = dh.broker.InvokeMethod(ctx, "sensor-1", "Reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)

	_, err = dh.broker.SendMessage("sensor-1", []byte("hello"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		last := d.State().Snapshot().LastMessage
		return last != nil && *last == "hello"
	}, 10*time.Second, 50*time.Millisecond)

	stopDevice()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDevice_MemoryStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	runDevice(t, ctx, sink.NewMemory(100))
}

func TestMessages_ArrivalOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dh := startDevhub(t, ctx, sink.NewMemory(10))
	conn := dh.dial(t, ctx)

	state := device.NewState()
	receiver := device.NewMessageReceiver(state, conn)
	var mu sync.Mutex
	var received []string
	require.NoError(t, conn.SetReceiveMessageHandler(ctx, hub.MessageHandlerFunc(func(ctx context.Context, msg *hub.Message) error {
		mu.Lock()
		received = append(received, string(msg.Payload))
		mu.Unlock()
		return receiver.HandleMessage(ctx, msg)
	})))

	var sent []string
	for i := 0; i < 200; i++ {
		text := fmt.Sprintf("m%03d", i)
		_, err := dh.broker.SendMessage("sensor-1", []byte(text), nil)
		require.NoError(t, err)
		sent = append(sent, text)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(sent)
	}, 20*time.Second, 50*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent, received)
	assert.Equal(t, "m199", *state.Snapshot().LastMessage)
}
