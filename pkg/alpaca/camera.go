package alpaca

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	cameraInterfaceVersion = 3
	defaultAbortTimeout    = 30 * time.Second
)

type CameraState int

const (
	CameraIdle CameraState = iota
	CameraWaiting
	CameraExposing
	CameraReading
	CameraDownloading
	CameraError
)

func (s CameraState) String() string {
	switch s {
	case CameraIdle:
		return "Idle"
	case CameraWaiting:
		return "Waiting"
	case CameraExposing:
		return "Exposing"
	case CameraReading:
		return "Reading"
	case CameraDownloading:
		return "Downloading"
	case CameraError:
		return "Error"
	}
	return "Unknown"
}

type SensorType int

const (
	SensorMonochrome SensorType = iota
	SensorColor
	SensorRGGB
)

// Control is an integer camera setting with its allowed range.
type Control struct {
	Value int
	Min   int
	Max   int
}

// NewControl returns nil when the range is empty (min == max == 0), which
// is how drivers report an unsupported control.
func NewControl(value, min, max int) *Control {
	if min == 0 && max == 0 {
		return nil
	}
	return &Control{Value: value, Min: min, Max: max}
}

// Cooling describes the sensor temperature and the cooler state.
type Cooling struct {
	Temperature float64 // Celsius
	Target      float64 // Celsius
	On          bool
	Power       float64 // Percent
}

type ReadoutMode struct {
	Name  string // Driver name of the mode, e.g. "MONO16"
	Label string // Label shown to clients
}

// CameraSnapshot is the latest known state of a camera as published by
// its driver.
type CameraSnapshot struct {
	Connected bool

	CanAbortExposure     bool
	CanGetCoolerPower    bool
	CanSetCCDTemperature bool

	CameraXSize int
	CameraYSize int
	StartX      int
	StartY      int
	NumX        int
	NumY        int

	ReadoutMode  int
	ReadoutModes []ReadoutMode

	ExposureMin           float64 // seconds
	ExposureMax           float64 // seconds
	LastExposureDuration  float64
	LastExposureStartTime time.Time // zero if no exposure was started
	State                 CameraState

	PixelSizeX       float64 // microns
	PixelSizeY       float64 // microns
	MaxADU           int
	ElectronsPerADU  float64
	FullWellCapacity float64
	BayerPattern     string
	SensorName       string

	Cooling *Cooling
	Gain    *Control
	Offset  *Control
}

func (s CameraSnapshot) clone() CameraSnapshot {
	c := s
	c.ReadoutModes = append([]ReadoutMode(nil), s.ReadoutModes...)
	if s.Cooling != nil {
		cooling := *s.Cooling
		c.Cooling = &cooling
	}
	if s.Gain != nil {
		gain := *s.Gain
		c.Gain = &gain
	}
	if s.Offset != nil {
		offset := *s.Offset
		c.Offset = &offset
	}
	return c
}

// frameValid checks the sub-frame against the sensor size.
func (s *CameraSnapshot) frameValid() bool {
	if s.StartX < 0 || s.StartX >= s.CameraXSize || s.StartY < 0 || s.StartY >= s.CameraYSize {
		return false
	}
	if s.NumX <= 0 || s.NumX > s.CameraXSize || s.NumY <= 0 || s.NumY > s.CameraYSize {
		return false
	}
	return s.StartX+s.NumX <= s.CameraXSize && s.StartY+s.NumY <= s.CameraYSize
}

// CameraPublisher receives state updates from a camera driver.
type CameraPublisher interface {
	Update(fn func(s *CameraSnapshot))
	PublishImage(f *Frame)
}

// CameraDriver is the hardware side of a camera. Methods must not block
// waiting for the requested operation to complete; completion is reported
// through the CameraPublisher passed to Connect.
type CameraDriver interface {
	DriverInfo() DriverInfo

	Connect(pub CameraPublisher) error
	Disconnect() error

	StartExposure(req ExposureRequest) error
	AbortExposure() error

	SetGain(value int) error
	SetOffset(value int) error
	SetReadoutMode(name string) error
	SetCoolerOn(on bool) error
	SetCCDTemperature(celsius float64) error
}

type CameraOption func(*Camera)

// WithAbortTimeout bounds how long AbortExposure waits for the camera to
// report it is idle again.
func WithAbortTimeout(d time.Duration) CameraOption {
	return func(c *Camera) {
		c.abortTimeout = d
	}
}

// Camera bridges a camera driver to the Alpaca camera API.
type Camera struct {
	info         DeviceInfo
	driver       CameraDriver
	logger       log.FieldLogger
	abortTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex // guards everything below
	snap        CameraSnapshot
	frame       *Frame
	connecting  bool
	connectLost bool          // loss reported while connecting
	changed     chan struct{} // closed on every camera state transition
}

func NewCamera(info DeviceInfo, driver CameraDriver, logger log.FieldLogger, opts ...CameraOption) *Camera {
	info.Type = DeviceTypeCamera
	c := &Camera{
		info:         info,
		driver:       driver,
		logger:       logger,
		abortTimeout: defaultAbortTimeout,
		now:          time.Now,
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Camera) DeviceInfo() DeviceInfo {
	return c.info
}

func (c *Camera) DriverInfo() DriverInfo {
	info := c.driver.DriverInfo()
	info.InterfaceVersion = cameraInterfaceVersion
	return info
}

// Setup returns the setup page of the driver, if it has one.
func (c *Camera) Setup() (SetupHandler, bool) {
	s, ok := c.driver.(SetupHandler)
	return s, ok
}

func (c *Camera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Connected
}

func (c *Camera) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

func (c *Camera) Connect() error {
	c.mu.Lock()
	if c.snap.Connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	c.connecting = true
	c.connectLost = false
	c.mu.Unlock()

	err := c.driver.Connect(c)

	c.mu.Lock()
	c.connecting = false
	lost := c.connectLost
	if err == nil && !lost {
		c.snap.Connected = true
	}
	if lost {
		c.resetLocked()
	}
	c.mu.Unlock()

	if err == nil && lost {
		if derr := c.driver.Disconnect(); derr != nil {
			c.logger.Debugf("Failed to disconnect %s: %v", c.info.Name, derr)
		}
		err = fmt.Errorf("connection lost while connecting: %w", ErrNotConnected)
	}
	if err != nil {
		c.logger.Errorf("Failed to connect %s: %v", c.info.Name, err)
		return err
	}
	c.logger.Infof("%s connected", c.info.Name)
	return nil
}

func (c *Camera) Disconnect() error {
	if !c.Connected() {
		return nil
	}

	err := c.driver.Disconnect()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("Failed to disconnect %s: %v", c.info.Name, err)
		return err
	}
	c.logger.Infof("%s disconnected", c.info.Name)
	return nil
}

func (c *Camera) GetState() []StateProperty {
	props := []StateProperty{
		{
			Name:  "TimeStamp",
			Value: c.now().UTC().Format(time.RFC3339),
		},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.snap.Connected {
		return props
	}

	props = append(props,
		StateProperty{"CameraState", c.snap.State},
		StateProperty{"ImageReady", c.frame != nil},
		StateProperty{"IsPulseGuiding", false},
	)
	if c.snap.Cooling != nil {
		props = append(props, StateProperty{"CCDTemperature", c.snap.Cooling.Temperature})
		if c.snap.CanGetCoolerPower {
			props = append(props, StateProperty{"CoolerPower", c.snap.Cooling.Power})
		}
	}
	return props
}

// Snapshot returns a copy of the current camera state.
func (c *Camera) Snapshot() CameraSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// Update applies a driver state change. Updates received while the camera
// is not connected only prepare the snapshot for the connection in progress;
// a loss reported by one of them makes that connection fail.
func (c *Camera) Update(fn func(s *CameraSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connecting {
		c.snap.Connected = true
		fn(&c.snap)
		if !c.snap.Connected {
			c.connectLost = true
		}
		c.snap.Connected = false
		return
	}

	wasConnected := c.snap.Connected
	prev := c.snap.State
	fn(&c.snap)

	if wasConnected && !c.snap.Connected {
		c.logger.Warnf("%s lost connection", c.info.Name)
		c.resetLocked()
		return
	}
	if c.snap.State != prev {
		c.notifyLocked()
	}
}

// PublishImage makes f the ready frame. Frames arriving before any
// exposure was started are ignored.
func (c *Camera) PublishImage(f *Frame) {
	c.mu.Lock()
	if c.snap.LastExposureStartTime.IsZero() {
		c.mu.Unlock()
		c.logger.Debug("Ignoring frame published before any exposure")
		return
	}
	old := c.frame
	c.frame = f
	c.mu.Unlock()

	if old != nil && old != f {
		go old.release()
	}
}

// withSnapshot runs fn under the property lock once the camera is known
// to be connected.
func (c *Camera) withSnapshot(fn func(s *CameraSnapshot) ErrorCode) ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.snap.Connected {
		return NotConnected
	}
	return fn(&c.snap)
}

func (c *Camera) resetLocked() {
	prev := c.snap.State
	c.snap = CameraSnapshot{}
	if c.frame != nil {
		go c.frame.release()
		c.frame = nil
	}
	if prev != c.snap.State {
		c.notifyLocked()
	}
}

func (c *Camera) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
