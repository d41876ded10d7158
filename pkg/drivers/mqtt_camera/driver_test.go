package mqtt_camera

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alpaca-camera/pkg/alpaca"
	"alpaca-camera/templates"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, qos, payload.([]byte)})
	return &fakeToken{err: p.err}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// recorder is a CameraPublisher keeping the published state.
type recorder struct {
	mu     sync.Mutex
	snap   alpaca.CameraSnapshot
	frames []*alpaca.Frame
}

func (r *recorder) Update(fn func(s *alpaca.CameraSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
}

func (r *recorder) PublishImage(f *alpaca.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) snapshot() alpaca.CameraSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tmpl, err := templates.LoadTemplates()
	require.NoError(t, err)

	d, err := NewDriver(2, db, tmpl, testLogger())
	require.NoError(t, err)
	return d
}

// attach makes d look connected without a broker.
func attach(d *Driver) (*fakePublisher, *recorder) {
	p := &fakePublisher{}
	rec := &recorder{}
	d.mu.Lock()
	d.config, _ = d.store.GetConfig()
	d.publisher = p
	d.pub = rec
	d.infoReady = make(chan struct{})
	d.mu.Unlock()
	return p, rec
}

func TestSendCommands(t *testing.T) {
	d := newTestDriver(t)
	p, _ := attach(d)

	require.NoError(t, d.StartExposure(alpaca.ExposureRequest{NumX: 10, NumY: 20, Format: "RAW", Type: alpaca.FrameLight, Duration: 2}))
	require.NoError(t, d.AbortExposure())
	require.NoError(t, d.SetGain(100))
	require.NoError(t, d.SetOffset(5))
	require.NoError(t, d.SetReadoutMode("MONO16"))
	require.NoError(t, d.SetCoolerOn(false))
	require.NoError(t, d.SetCCDTemperature(-15.5))

	expected := []string{
		`{"cmd":"start_exposure","x":0,"y":0,"width":10,"height":20,"format":"RAW","type":"light","duration":2}`,
		`{"cmd":"abort_exposure"}`,
		`{"cmd":"set_gain","value":100}`,
		`{"cmd":"set_offset","value":5}`,
		`{"cmd":"set_readout_mode","mode":"MONO16"}`,
		`{"cmd":"set_cooler","on":false}`,
		`{"cmd":"set_temperature","value":-15.5}`,
	}
	require.Len(t, p.msgs, len(expected))
	for i, msg := range p.msgs {
		assert.Equal(t, "camera/commands", msg.topic)
		assert.Equal(t, byte(commandQoS), msg.qos)
		assert.JSONEq(t, expected[i], string(msg.payload))
	}
}

func TestSendCommandErrors(t *testing.T) {
	d := newTestDriver(t)
	assert.ErrorIs(t, d.SetGain(1), ErrNotConnected)

	p, _ := attach(d)
	p.err = errors.New("broker gone")
	assert.ErrorContains(t, d.AbortExposure(), "broker gone")
}

func TestInfoHandler(t *testing.T) {
	d := newTestDriver(t)
	_, rec := attach(d)
	ready := d.infoReady

	payload, err := json.Marshal(testInfo())
	require.NoError(t, err)
	d.infoHandler(nil, fakeMessage{topic: "camera/info", payload: payload})

	select {
	case <-ready:
	default:
		t.Fatal("info was not reported ready")
	}
	assert.Equal(t, 640, rec.snapshot().CameraXSize)

	// Invalid descriptions are ignored.
	d.infoHandler(nil, fakeMessage{topic: "camera/info", payload: []byte(`{"width": 0}`)})
	d.infoHandler(nil, fakeMessage{topic: "camera/info", payload: []byte(`not json`)})
	assert.Equal(t, 640, rec.snapshot().CameraXSize)
}

func TestTelemetryHandler(t *testing.T) {
	d := newTestDriver(t)
	_, rec := attach(d)
	rec.Update(testInfo().apply)

	d.telemetryHandler(nil, fakeMessage{payload: []byte(`{"state": 1, "temperature": 3.5}`)})
	snap := rec.snapshot()
	assert.Equal(t, alpaca.CameraWaiting, snap.State)
	assert.Equal(t, 3.5, snap.Cooling.Temperature)

	d.telemetryHandler(nil, fakeMessage{payload: []byte(`{`)})
	assert.Equal(t, alpaca.CameraWaiting, rec.snapshot().State)
}

func TestImageHandler(t *testing.T) {
	d := newTestDriver(t)
	_, rec := attach(d)

	payload := imagePayload(alpaca.PixelMono16, 2, 1, []byte{1, 0, 2, 0})
	d.imageHandler(nil, fakeMessage{payload: payload})
	d.imageHandler(nil, fakeMessage{payload: payload[:8]})

	require.Len(t, rec.frames, 1)
	assert.Equal(t, alpaca.PixelMono16, rec.frames[0].Format())
	assert.Equal(t, 2, rec.frames[0].Width())
	assert.Equal(t, 2, rec.frames[0].ElementCount())
}

func TestStatusHandlerOffline(t *testing.T) {
	d := newTestDriver(t)
	_, rec := attach(d)
	rec.Update(func(s *alpaca.CameraSnapshot) { s.Connected = true })

	d.statusHandler(nil, fakeMessage{payload: []byte("online")})
	assert.True(t, rec.snapshot().Connected)

	d.statusHandler(nil, fakeMessage{payload: []byte(statusOffline)})
	assert.Eventually(t, func() bool {
		return !rec.snapshot().Connected
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, d.SetGain(1), ErrNotConnected)
}

func TestWaitForInfo(t *testing.T) {
	info, err := json.Marshal(testInfo())
	require.NoError(t, err)
	offline := []byte(statusOffline)

	tests := []struct {
		name        string
		messages    []fakeMessage
		expectError bool
	}{
		{
			name:     "info",
			messages: []fakeMessage{{topic: "camera/info", payload: info}},
		},
		{
			name: "offline before info",
			messages: []fakeMessage{
				{topic: "camera/status", payload: offline},
				{topic: "camera/info", payload: info},
			},
			expectError: true,
		},
		{
			name: "offline after info",
			messages: []fakeMessage{
				{topic: "camera/info", payload: info},
				{topic: "camera/status", payload: offline},
			},
			expectError: true,
		},
		{
			name:        "offline only",
			messages:    []fakeMessage{{topic: "camera/status", payload: offline}},
			expectError: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDriver(t)
			attach(d)
			ready := d.infoReady
			config := d.config
			config.ConnectTimeout = 5

			for _, msg := range tc.messages {
				if msg.topic == "camera/info" {
					d.infoHandler(nil, msg)
				} else {
					d.statusHandler(nil, msg)
				}
			}

			start := time.Now()
			err := d.waitForInfo(ready, config)
			assert.Less(t, time.Since(start), time.Second)
			if tc.expectError {
				assert.ErrorIs(t, err, ErrNotConnected)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConnectLostWhileWaitingForInfo(t *testing.T) {
	d := newTestDriver(t)
	_, rec := attach(d)
	ready := d.infoReady
	config := d.config

	payload, err := json.Marshal(testInfo())
	require.NoError(t, err)
	d.infoHandler(nil, fakeMessage{topic: "camera/info", payload: payload})
	d.lost()

	assert.ErrorIs(t, d.waitForInfo(ready, config), ErrNotConnected)
	assert.False(t, rec.snapshot().Connected)
}

func TestHandlersWithoutConnection(t *testing.T) {
	d := newTestDriver(t)

	payload, err := json.Marshal(testInfo())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		d.infoHandler(nil, fakeMessage{payload: payload})
		d.telemetryHandler(nil, fakeMessage{payload: []byte(`{"state": 0}`)})
		d.imageHandler(nil, fakeMessage{payload: imagePayload(alpaca.PixelMono8, 1, 1, []byte{1})})
	})
}

func TestConnectBrokerUnavailable(t *testing.T) {
	d := newTestDriver(t)
	cfg, err := d.store.GetConfig()
	require.NoError(t, err)
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.ConnectTimeout = 1
	require.NoError(t, d.store.SetConfig(cfg))

	cam := alpaca.NewCamera(alpaca.DeviceInfo{Name: "MQTT"}, d, testLogger())
	assert.Error(t, cam.Connect())
	assert.False(t, cam.Connected())

	d.mu.Lock()
	assert.Nil(t, d.pub)
	assert.Nil(t, d.client)
	d.mu.Unlock()
	assert.NoError(t, d.Close())
}
