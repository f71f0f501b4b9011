package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotsensor/core/schema"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// fakeConn records everything the device does with its connection
type fakeConn struct {
	mu        sync.Mutex
	calls     []string
	methods   map[string]hub.MethodHandler
	receiver  hub.MessageHandler
	events    []*hub.Message
	completed map[*hub.Message]int

	registerErr error
	completeErr error
	// sendErr decides the outcome of the n-th send, starting at 1
	sendErr func(n int) error
	onSend  func(n int)
}

func newFakeConn() *fakeConn {
	return &fakeConn{methods: map[string]hub.MethodHandler{}, completed: map[*hub.Message]int{}}
}

func (f *fakeConn) SetMethodHandler(_ context.Context, name string, h hub.MethodHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.calls = append(f.calls, "method:"+name)
	f.methods[name] = h
	return nil
}

func (f *fakeConn) SetReceiveMessageHandler(_ context.Context, h hub.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "messages")
	f.receiver = h
	return nil
}

func (f *fakeConn) Complete(_ context.Context, msg *hub.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[msg]++
	return f.completeErr
}

func (f *fakeConn) SendEvent(ctx context.Context, msg *hub.Message) error {
	f.mu.Lock()
	f.events = append(f.events, msg)
	n := len(f.events)
	if n == 1 {
		f.calls = append(f.calls, "send")
	}
	sendErr, onSend := f.sendErr, f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(n)
	}
	if sendErr != nil {
		return sendErr(n)
	}
	return nil
}

func (f *fakeConn) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeUploader struct {
	conn *fakeConn
	err  error
}

func (u *fakeUploader) Run(context.Context) error {
	u.conn.mu.Lock()
	u.conn.calls = append(u.conn.calls, "upload")
	u.conn.mu.Unlock()
	return u.err
}

func TestState_ConcurrentAccess(t *testing.T) {
	state := NewState()
	var assigned sync.Map
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				state.SetFanOn(i%2 == 0)
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				text := fmt.Sprintf("message-%d-%d", w, i)
				assigned.Store(text, true)
				state.SetLastMessage(text)
			}
		}(w)
	}

	var readers sync.WaitGroup
	var violations atomic.Int64
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := state.Snapshot()
				if snap.LastMessage == nil {
					continue
				}
				if _, ok := assigned.Load(*snap.LastMessage); !ok {
					violations.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()
	assert.Zero(t, violations.Load())

	state.SetFanOn(true)
	state.SetLastMessage("final")
	snap := state.Snapshot()
	assert.True(t, snap.FanOn)
	require.NotNil(t, snap.LastMessage)
	assert.Equal(t, "final", *snap.LastMessage)
}

func TestState_SnapshotIsCopy(t *testing.T) {
	state := NewState()
	assert.Nil(t, state.Snapshot().LastMessage)

	state.SetLastMessage("one")
	snap := state.Snapshot()
	state.SetLastMessage("two")
	assert.Equal(t, "one", *snap.LastMessage)
}

func TestCommands(t *testing.T) {
	state := NewState()
	commands := NewCommands(state)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := commands.HandleMethod(ctx, hub.MethodRequest{Name: MethodTurnFanOn, Payload: []byte(`{"ignored":true}`)})
		assert.Equal(t, http.StatusOK, res.Status)
		assert.JSONEq(t, `{"result":"Executed direct method: TurnFanOn"}`, string(res.Payload))
		assert.True(t, state.Snapshot().FanOn)
	}
	for i := 0; i < 3; i++ {
		res := commands.HandleMethod(ctx, hub.MethodRequest{Name: MethodTurnFanOff})
		assert.Equal(t, http.StatusOK, res.Status)
		assert.JSONEq(t, `{"result":"Executed direct method: TurnFanOff"}`, string(res.Payload))
		assert.False(t, state.Snapshot().FanOn)
	}

	res := commands.HandleMethod(ctx, hub.MethodRequest{Name: "SelfDestruct"})
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.False(t, state.Snapshot().FanOn)
}

func TestSampler_Ranges(t *testing.T) {
	sampler := NewSamplerWithSeed(42)
	msg := "hello"
	snaps := []Snapshot{{}, {FanOn: true, LastMessage: &msg}}
	motion := map[bool]int{}

	for i := 0; i < 10000; i++ {
		snap := snaps[i%2]
		r := sampler.Sample(snap)
		require.True(t, r.Temperature >= 0 && r.Temperature < MaxTemperature, "temperature %v", r.Temperature)
		require.True(t, r.Humidity >= 0 && r.Humidity < MaxHumidity, "humidity %v", r.Humidity)
		require.True(t, r.Pressure >= 0 && r.Pressure < MaxPressure, "pressure %v", r.Pressure)
		require.True(t, r.Luminosity >= 0 && r.Luminosity < MaxLuminosity, "luminosity %v", r.Luminosity)
		require.True(t, r.BatteryLevel >= 0 && r.BatteryLevel < MaxBatteryLevel, "battery %v", r.BatteryLevel)
		require.Equal(t, snap.FanOn, r.FanOn)
		if snap.LastMessage == nil {
			require.Empty(t, r.LastC2DMessage)
		} else {
			require.Equal(t, *snap.LastMessage, r.LastC2DMessage)
		}
		motion[r.Motion]++
	}
	assert.NotZero(t, motion[true])
	assert.NotZero(t, motion[false])
}

func TestSampler_MatchesTelemetrySchema(t *testing.T) {
	validator, err := schema.NewTelemetryValidator()
	require.NoError(t, err)

	sampler := NewSamplerWithSeed(7)
	msg := "hello"
	for i := 0; i < 100; i++ {
		snap := Snapshot{FanOn: i%2 == 0}
		if i%3 == 0 {
			snap.LastMessage = &msg
		}
		require.NoError(t, validator.ValidateStruct(sampler.Sample(snap), schema.TelemetrySchemaID))
	}
}

func TestMessageReceiver(t *testing.T) {
	ctx := context.Background()

	t.Run("hello", func(t *testing.T) {
		conn := newFakeConn()
		state := NewState()
		receiver := NewMessageReceiver(state, conn)

		msg := hub.NewReceivedMessage([]byte("hello"), nil, nil)
		require.NoError(t, receiver.HandleMessage(ctx, msg))

		snap := state.Snapshot()
		require.NotNil(t, snap.LastMessage)
		assert.Equal(t, "hello", *snap.LastMessage)
		assert.Equal(t, 1, conn.completed[msg])
	})

	t.Run("malformed", func(t *testing.T) {
		conn := newFakeConn()
		state := NewState()
		receiver := NewMessageReceiver(state, conn)

		msg := hub.NewReceivedMessage([]byte{0xff, 0xfe, 0xfd}, nil, nil)
		err := receiver.HandleMessage(ctx, msg)
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.Nil(t, state.Snapshot().LastMessage)
		assert.Equal(t, 1, conn.completed[msg])
	})

	t.Run("complete fails", func(t *testing.T) {
		conn := newFakeConn()
		conn.completeErr = hub.ErrNotConnected
		state := NewState()
		receiver := NewMessageReceiver(state, conn)

		msg := hub.NewReceivedMessage([]byte("again"), nil, nil)
		err := receiver.HandleMessage(ctx, msg)
		assert.ErrorIs(t, err, hub.ErrNotConnected)
		assert.Equal(t, "again", *state.Snapshot().LastMessage)
		assert.Equal(t, 1, conn.completed[msg])
	})
}

func TestPublisher_Payload(t *testing.T) {
	conn := newFakeConn()
	state := NewState()
	state.SetFanOn(true)
	state.SetLastMessage("a & b <c>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.onSend = func(int) { cancel() }

	p := NewPublisher(conn, state, NewSamplerWithSeed(1))
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	require.Equal(t, 1, conn.eventCount())
	msg := conn.events[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "utf-8", msg.ContentEncoding)
	assert.NotEmpty(t, msg.MessageID)

	var r Reading
	require.NoError(t, json.Unmarshal(msg.Payload, &r))
	assert.True(t, r.FanOn)
	assert.Equal(t, "a & b <c>", r.LastC2DMessage)
	assert.Contains(t, string(msg.Payload), `"LastC2DMessage":"a & b <c>"`)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &raw))
	for _, field := range []string{"Temperature", "Humidity", "Pressure", "Luminosity", "Motion", "BatteryLevel", "FanOn", "LastC2DMessage"} {
		assert.Contains(t, raw, field)
	}
}

func TestPublisher_NoMessageYet(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.onSend = func(int) { cancel() }

	_ = NewPublisher(conn, NewState(), NewSamplerWithSeed(1)).Run(ctx)
	require.Equal(t, 1, conn.eventCount())
	assert.Contains(t, string(conn.events[0].Payload), `"LastC2DMessage":""`)
}

func TestPublisher_StopsPromptly(t *testing.T) {
	conn := newFakeConn()
	interval := 20 * time.Millisecond
	p := NewPublisher(conn, NewState(), NewSampler()).WithInterval(interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return conn.eventCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancelled := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(cancelled), interval+200*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}

	count := conn.eventCount()
	time.Sleep(3 * interval)
	assert.Equal(t, count, conn.eventCount(), "no publish after Run returned")

	sent, failed := p.Stats()
	assert.EqualValues(t, count, sent)
	assert.Zero(t, failed)
}

func TestPublisher_CancelDuringSend(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	conn.sendErr = func(int) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}

	p := NewPublisher(conn, NewState(), NewSampler())
	var handled atomic.Int64
	p.ErrorHandler = func(context.Context, error) { handled.Add(1) }

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop while sending")
	}
	assert.Equal(t, 1, conn.eventCount())
	assert.Zero(t, handled.Load())
}

func TestPublisher_ContinuesAfterFailure(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = func(n int) error {
		if n <= 2 {
			return hub.ErrNotConnected
		}
		return nil
	}
	p := NewPublisher(conn, NewState(), NewSampler()).WithInterval(5 * time.Millisecond)
	var handled []error
	var mu sync.Mutex
	p.ErrorHandler = func(_ context.Context, err error) {
		mu.Lock()
		handled = append(handled, err)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		sent, _ := p.Stats()
		return sent >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	_, failed := p.Stats()
	assert.EqualValues(t, 2, failed)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 2)
	assert.True(t, errors.Is(handled[0], hub.ErrNotConnected))
}

func TestDevice_Run(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.onSend = func(int) { cancel() }

	d := New(conn).WithUploader(&fakeUploader{conn: conn, err: errors.New("no credentials")})
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)

	assert.Equal(t, []string{"method:TurnFanOn", "method:TurnFanOff", "messages", "upload", "send"}, conn.calls)

	res := conn.methods[MethodTurnFanOn].HandleMethod(context.Background(), hub.MethodRequest{Name: MethodTurnFanOn})
	assert.Equal(t, http.StatusOK, res.Status)
	assert.True(t, d.State().Snapshot().FanOn)

	msg := hub.NewReceivedMessage([]byte("hi"), nil, nil)
	require.NoError(t, conn.receiver.HandleMessage(context.Background(), msg))
	assert.Equal(t, "hi", *d.State().Snapshot().LastMessage)
}

func TestDevice_RunRegisterFails(t *testing.T) {
	conn := newFakeConn()
	conn.registerErr = hub.ErrNotConnected
	uploader := &fakeUploader{conn: conn}

	err := New(conn).WithUploader(uploader).Run(context.Background())
	assert.ErrorIs(t, err, hub.ErrNotConnected)
	assert.Empty(t, conn.calls)
	assert.Zero(t, conn.eventCount())
}
