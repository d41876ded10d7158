package alpaca

import (
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records the requests forwarded by the camera.
type fakeDriver struct {
	mu  sync.Mutex
	pub CameraPublisher

	initial    func(s *CameraSnapshot)
	onConnect  func(pub CameraPublisher)
	connectErr error
	startErr   error
	abortErr   error
	onAbort    func(pub CameraPublisher)

	exposures   []ExposureRequest
	aborts      int
	disconnects int
	gains       []int
	offsets     []int
	modes       []string
	coolerOn    []bool
	targets     []float64
}

func testSnapshot(s *CameraSnapshot) {
	s.CanAbortExposure = true
	s.CanGetCoolerPower = true
	s.CanSetCCDTemperature = true
	s.CameraXSize = 4
	s.CameraYSize = 3
	s.NumX = 4
	s.NumY = 3
	s.ReadoutModes = []ReadoutMode{
		{Name: "MONO16", Label: "Mono 16-bit"},
		{Name: "RGB24", Label: "Color 24-bit"},
	}
	s.ExposureMin = 0.01
	s.ExposureMax = 100
	s.PixelSizeX = 3.76
	s.PixelSizeY = 3.76
	s.MaxADU = 65535
	s.ElectronsPerADU = 0.3
	s.FullWellCapacity = 20000
	s.BayerPattern = "RGGB"
	s.SensorName = "TEST"
	s.Cooling = &Cooling{Temperature: -5, Target: -10, On: true, Power: 40}
	s.Gain = NewControl(10, 0, 100)
}

func (d *fakeDriver) DriverInfo() DriverInfo {
	return DriverInfo{Name: "Fake", Version: "0.1", InterfaceVersion: 1}
}

func (d *fakeDriver) Connect(pub CameraPublisher) error {
	if d.connectErr != nil {
		return d.connectErr
	}
	d.mu.Lock()
	d.pub = pub
	d.mu.Unlock()

	apply := d.initial
	if apply == nil {
		apply = testSnapshot
	}
	pub.Update(apply)
	if d.onConnect != nil {
		d.onConnect(pub)
	}
	return nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pub = nil
	d.disconnects++
	return nil
}

func (d *fakeDriver) StartExposure(req ExposureRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposures = append(d.exposures, req)
	return d.startErr
}

func (d *fakeDriver) AbortExposure() error {
	d.mu.Lock()
	d.aborts++
	pub := d.pub
	d.mu.Unlock()

	if d.abortErr != nil {
		return d.abortErr
	}
	if d.onAbort != nil {
		d.onAbort(pub)
	}
	return nil
}

func (d *fakeDriver) SetGain(value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gains = append(d.gains, value)
	return nil
}

func (d *fakeDriver) SetOffset(value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets = append(d.offsets, value)
	return nil
}

func (d *fakeDriver) SetReadoutMode(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes = append(d.modes, name)
	return nil
}

func (d *fakeDriver) SetCoolerOn(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coolerOn = append(d.coolerOn, on)
	return nil
}

func (d *fakeDriver) SetCCDTemperature(celsius float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, celsius)
	return nil
}

func (d *fakeDriver) publisher() CameraPublisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pub
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCamera(t *testing.T, driver *fakeDriver, opts ...CameraOption) *Camera {
	t.Helper()
	cam := NewCamera(DeviceInfo{Name: "Test Camera", Number: 0, UniqueID: "test-0"}, driver, testLogger(), opts...)
	cam.now = func() time.Time {
		return time.Date(2024, 3, 1, 22, 15, 30, 500_000_000, time.UTC)
	}
	return cam
}

func connectedCamera(t *testing.T, opts ...CameraOption) (*Camera, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{}
	cam := newTestCamera(t, driver, opts...)
	require.NoError(t, cam.Connect())
	return cam, driver
}

// exposeFrame runs an exposure that completes with f.
func exposeFrame(t *testing.T, cam *Camera, driver *fakeDriver, f *Frame) {
	t.Helper()
	require.Equal(t, OK, cam.StartExposure(1, true))
	pub := driver.publisher()
	pub.PublishImage(f)
	pub.Update(func(s *CameraSnapshot) {
		s.State = CameraIdle
	})
}

func TestCameraConnect(t *testing.T) {
	driver := &fakeDriver{}
	cam := newTestCamera(t, driver)

	assert.False(t, cam.Connected())
	require.NoError(t, cam.Connect())
	assert.True(t, cam.Connected())
	assert.False(t, cam.Connecting())

	snap := cam.Snapshot()
	assert.Equal(t, 4, snap.CameraXSize)
	assert.Equal(t, "TEST", snap.SensorName)
	assert.Equal(t, DeviceTypeCamera, cam.DeviceInfo().Type)
	assert.Equal(t, cameraInterfaceVersion, cam.DriverInfo().InterfaceVersion)

	// Connecting twice is a no-op.
	require.NoError(t, cam.Connect())

	require.NoError(t, cam.Disconnect())
	assert.False(t, cam.Connected())
	assert.Equal(t, CameraSnapshot{}, cam.Snapshot())
}

func TestCameraConnectError(t *testing.T) {
	driver := &fakeDriver{connectErr: errors.New("no camera")}
	cam := newTestCamera(t, driver)

	err := cam.Connect()
	assert.Error(t, err)
	assert.False(t, cam.Connected())
	assert.Equal(t, driverErrorMin, CodeOf(err))
}

func TestCameraGetState(t *testing.T) {
	driver := &fakeDriver{}
	cam := newTestCamera(t, driver)

	props := cam.GetState()
	require.Len(t, props, 1)
	assert.Equal(t, StateProperty{"TimeStamp", "2024-03-01T22:15:30Z"}, props[0])

	require.NoError(t, cam.Connect())
	props = cam.GetState()

	values := make(map[string]any)
	for _, p := range props {
		values[p.Name] = p.Value
	}
	assert.Equal(t, CameraIdle, values["CameraState"])
	assert.Equal(t, false, values["ImageReady"])
	assert.Equal(t, -5.0, values["CCDTemperature"])
	assert.Equal(t, 40.0, values["CoolerPower"])
}

func TestCameraLostConnection(t *testing.T) {
	cam, driver := connectedCamera(t)

	released := make(chan struct{})
	f := mono16Frame(t, 2, 2, []uint16{1, 2, 3, 4}).OnRelease(func([]byte) {
		close(released)
	})
	exposeFrame(t, cam, driver, f)

	driver.publisher().Update(func(s *CameraSnapshot) {
		s.Connected = false
	})

	assert.False(t, cam.Connected())
	_, code := cam.Get(1, "cameraxsize")
	assert.Equal(t, NotConnected, code)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("frame was not released")
	}
}

func TestCameraLostWhileConnecting(t *testing.T) {
	lost := func(s *CameraSnapshot) {
		s.Connected = false
	}
	tests := []struct {
		name      string
		initial   func(s *CameraSnapshot)
		onConnect func(pub CameraPublisher)
	}{
		{
			name: "after the description",
			onConnect: func(pub CameraPublisher) {
				pub.Update(lost)
			},
		},
		{
			name: "with the description",
			initial: func(s *CameraSnapshot) {
				testSnapshot(s)
				lost(s)
			},
		},
		{
			name: "before the description",
			initial: func(s *CameraSnapshot) {
				lost(s)
			},
			onConnect: func(pub CameraPublisher) {
				pub.Update(testSnapshot)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			driver := &fakeDriver{initial: tc.initial, onConnect: tc.onConnect}
			cam := newTestCamera(t, driver)

			err := cam.Connect()
			assert.ErrorIs(t, err, ErrNotConnected)
			assert.False(t, cam.Connected())
			assert.False(t, cam.Connecting())
			assert.Equal(t, CameraSnapshot{}, cam.Snapshot())
			assert.Equal(t, 1, driver.disconnects)

			_, code := cam.Get(1, "cameraxsize")
			assert.Equal(t, NotConnected, code)

			// The next attempt starts clean.
			driver.initial = nil
			driver.onConnect = nil
			require.NoError(t, cam.Connect())
			assert.True(t, cam.Connected())
			assert.Equal(t, 4, cam.Snapshot().CameraXSize)
		})
	}
}

func TestCameraIgnoresFrameBeforeExposure(t *testing.T) {
	cam, driver := connectedCamera(t)

	driver.publisher().PublishImage(mono16Frame(t, 2, 2, []uint16{1, 2, 3, 4}))

	ready, code := cam.Get(1, "imageready")
	assert.Equal(t, OK, code)
	assert.Equal(t, false, ready)
}

func TestCameraSnapshotIsCopy(t *testing.T) {
	cam, _ := connectedCamera(t)

	snap := cam.Snapshot()
	snap.Cooling.Temperature = math.NaN()
	snap.ReadoutModes[0].Name = "changed"

	value, code := cam.Get(1, "ccdtemperature")
	assert.Equal(t, OK, code)
	assert.Equal(t, -5.0, value)
	assert.Equal(t, "MONO16", cam.Snapshot().ReadoutModes[0].Name)
}
