package camera_simulator

import (
	"context"
	"fmt"
	"html/template"
	"image/color"
	"math"
	"sync"
	"time"

	"alpaca-camera/pkg/alpaca"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	driverName    = "Camera Simulator"
	driverVersion = "1.0"
	sensorName    = "Simulated sensor"

	defaultCoolerTick = time.Second
)

var (
	modeMono16 = alpaca.ReadoutMode{Name: "MONO16", Label: "Mono 16-bit"}
	modeMono8  = alpaca.ReadoutMode{Name: "MONO8", Label: "Mono 8-bit"}
	modeRGB24  = alpaca.ReadoutMode{Name: "RGB24", Label: "Color 24-bit"}
)

var modeFormats = map[string]alpaca.PixelFormat{
	modeMono16.Name: alpaca.PixelMono16,
	modeMono8.Name:  alpaca.PixelMono8,
	modeRGB24.Name:  alpaca.PixelRGB24,
}

func readoutModes(cfg SimulatorConfig) []alpaca.ReadoutMode {
	modes := []alpaca.ReadoutMode{modeMono16, modeMono8}
	if cfg.BayerPattern != "" {
		modes = append(modes, modeRGB24)
	}
	return modes
}

// Simulator implements alpaca.CameraDriver with a simulated sensor.
// Exposures complete after their duration with a frame rendered from the
// scene of the frame source.
type Simulator struct {
	number     int
	store      *store
	tmpl       *template.Template
	logger     log.FieldLogger
	coolerTick time.Duration

	pool sync.Pool // pixel buffers of released frames

	mu         sync.Mutex
	config     SimulatorConfig // applied on connect
	pub        alpaca.CameraPublisher
	cancel     context.CancelFunc
	source     *frameSource
	exposure   *time.Timer
	exposureID int
	mode       alpaca.ReadoutMode
	gain       int
	offset     int
	cooling    alpaca.Cooling
}

func NewSimulator(number int, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) (*Simulator, error) {
	store, err := NewStore(db, number)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	config, err := store.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get simulator config: %w", err)
	}

	return &Simulator{
		number:     number,
		store:      store,
		tmpl:       tmpl,
		logger:     logger,
		coolerTick: defaultCoolerTick,
		config:     config,
	}, nil
}

func (s *Simulator) Close() error {
	s.logger.Info("Closing camera simulator")
	return s.Disconnect()
}

func (s *Simulator) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:    driverName,
		Version: driverVersion,
	}
}

func (s *Simulator) Connect(pub alpaca.CameraPublisher) error {
	cfg, err := s.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get simulator config: %w", err)
	}

	s.mu.Lock()
	if s.pub != nil {
		s.mu.Unlock()
		return fmt.Errorf("simulator is already connected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.config = cfg
	s.pub = pub
	s.cancel = cancel
	s.source = newFrameSource(cfg, s.logger.WithField("component", "frames"))
	s.mode = modeMono16
	s.gain = cfg.GainMin
	s.offset = cfg.OffsetMin
	s.cooling = alpaca.Cooling{
		Temperature: cfg.AmbientTempC,
		Target:      cfg.AmbientTempC,
	}
	cooling := s.cooling
	source := s.source
	s.mu.Unlock()

	pub.Update(func(snap *alpaca.CameraSnapshot) {
		snap.CanAbortExposure = true
		snap.CanGetCoolerPower = cfg.Cooler
		snap.CanSetCCDTemperature = cfg.Cooler

		snap.CameraXSize = cfg.Width
		snap.CameraYSize = cfg.Height
		snap.StartX = 0
		snap.StartY = 0
		snap.NumX = cfg.Width
		snap.NumY = cfg.Height

		snap.ReadoutModes = readoutModes(cfg)
		snap.ReadoutMode = 0

		snap.ExposureMin = cfg.ExposureMin
		snap.ExposureMax = cfg.ExposureMax
		snap.State = alpaca.CameraIdle

		snap.PixelSizeX = cfg.PixelSize
		snap.PixelSizeY = cfg.PixelSize
		snap.MaxADU = math.MaxUint16
		snap.FullWellCapacity = cfg.FullWell
		snap.ElectronsPerADU = cfg.FullWell / math.MaxUint16
		snap.BayerPattern = cfg.BayerPattern
		snap.SensorName = sensorName

		snap.Gain = alpaca.NewControl(cfg.GainMin, cfg.GainMin, cfg.GainMax)
		snap.Offset = alpaca.NewControl(cfg.OffsetMin, cfg.OffsetMin, cfg.OffsetMax)
		if cfg.Cooler {
			snap.Cooling = &cooling
		}
	})

	go func() {
		if err := source.Run(ctx); err != nil {
			s.logger.Errorf("Frame source stopped: %v", err)
		}
	}()
	if cfg.Cooler {
		go s.runCooler(ctx)
	}

	s.logger.Infof("Simulator connected: %dx%d sensor", cfg.Width, cfg.Height)
	return nil
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pub == nil {
		return nil
	}
	s.stopExposureLocked()
	s.cancel()
	s.cancel = nil
	s.pub = nil
	s.source = nil
	s.logger.Info("Simulator disconnected")
	return nil
}

func (s *Simulator) StartExposure(req alpaca.ExposureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pub == nil {
		return alpaca.ErrNotConnected
	}
	format, ok := modeFormats[s.mode.Name]
	if !ok {
		return fmt.Errorf("unknown readout mode %q", s.mode.Name)
	}

	s.stopExposureLocked()
	id := s.exposureID
	s.exposure = time.AfterFunc(time.Duration(req.Duration*float64(time.Second)), func() {
		s.completeExposure(id, req, format)
	})
	return nil
}

func (s *Simulator) AbortExposure() error {
	s.mu.Lock()
	pub := s.pub
	if pub == nil {
		s.mu.Unlock()
		return alpaca.ErrNotConnected
	}
	s.stopExposureLocked()
	s.mu.Unlock()

	s.logger.Info("Exposure aborted")
	pub.Update(func(snap *alpaca.CameraSnapshot) {
		snap.State = alpaca.CameraIdle
	})
	return nil
}

func (s *Simulator) stopExposureLocked() {
	if s.exposure != nil {
		s.exposure.Stop()
		s.exposure = nil
	}
	s.exposureID++
}

func (s *Simulator) completeExposure(id int, req alpaca.ExposureRequest, format alpaca.PixelFormat) {
	s.mu.Lock()
	if id != s.exposureID || s.pub == nil {
		s.mu.Unlock()
		return
	}
	s.exposure = nil
	pub := s.pub
	source := s.source
	gain, offset := s.gain, s.offset
	s.mu.Unlock()

	frame, err := s.render(source, req, format, gain, offset)
	if err != nil {
		s.logger.Errorf("Failed to render frame: %v", err)
		pub.Update(func(snap *alpaca.CameraSnapshot) {
			snap.State = alpaca.CameraError
		})
		return
	}

	pub.PublishImage(frame)
	pub.Update(func(snap *alpaca.CameraSnapshot) {
		snap.State = alpaca.CameraIdle
	})
	s.logger.Debugf("Exposure complete: %s %dx%d", format, req.NumX, req.NumY)
}

// render builds the frame for req from the current scene. Light frames
// show the scene amplified by the gain, dark frames only the bias level.
func (s *Simulator) render(source *frameSource, req alpaca.ExposureRequest, format alpaca.PixelFormat, gain, offset int) (*alpaca.Frame, error) {
	scene, _ := source.Scene()
	bounds := scene.Bounds()

	var buf []byte
	if p, ok := s.pool.Get().(*[]byte); ok {
		buf = *p
	}
	fb := alpaca.NewFrameBuffer(format, req.NumX, req.NumY, buf)

	bias := float64(offset) * 16
	amplify := 1 + float64(gain)/50
	level := func(v uint32) uint16 {
		if req.Type == alpaca.FrameDark {
			return clamp16(bias)
		}
		return clamp16(bias + float64(v)*amplify)
	}

	for row := 0; row < req.NumY; row++ {
		for col := 0; col < req.NumX; col++ {
			c := scene.At(bounds.Min.X+req.StartX+col, bounds.Min.Y+req.StartY+row)
			switch format {
			case alpaca.PixelMono16:
				fb.Set(row, col, 0, level(uint32(color.Gray16Model.Convert(c).(color.Gray16).Y)))
			case alpaca.PixelMono8:
				fb.Set(row, col, 0, level(uint32(color.Gray16Model.Convert(c).(color.Gray16).Y))>>8)
			default:
				r, g, b, _ := c.RGBA()
				fb.Set(row, col, 0, level(r)>>8)
				fb.Set(row, col, 1, level(g)>>8)
				fb.Set(row, col, 2, level(b)>>8)
			}
		}
	}

	frame, err := fb.Frame()
	if err != nil {
		return nil, err
	}
	return frame.OnRelease(func(b []byte) {
		s.pool.Put(&b)
	}), nil
}

func (s *Simulator) SetGain(value int) error {
	return s.update(func() {
		s.gain = value
	}, func(snap *alpaca.CameraSnapshot) {
		if snap.Gain != nil {
			snap.Gain.Value = value
		}
	})
}

func (s *Simulator) SetOffset(value int) error {
	return s.update(func() {
		s.offset = value
	}, func(snap *alpaca.CameraSnapshot) {
		if snap.Offset != nil {
			snap.Offset.Value = value
		}
	})
}

func (s *Simulator) SetReadoutMode(name string) error {
	s.mu.Lock()
	modes := readoutModes(s.config)
	s.mu.Unlock()

	index := -1
	for i, m := range modes {
		if m.Name == name {
			index = i
		}
	}
	if index < 0 {
		return alpaca.ErrInvalidValue
	}

	maxADU := math.MaxUint16
	if name != modeMono16.Name {
		maxADU = math.MaxUint8
	}
	return s.update(func() {
		s.mode = modes[index]
	}, func(snap *alpaca.CameraSnapshot) {
		snap.ReadoutMode = index
		snap.MaxADU = maxADU
	})
}

func (s *Simulator) SetCoolerOn(on bool) error {
	var cooling alpaca.Cooling
	return s.update(func() {
		s.cooling.On = on
		if !on {
			s.cooling.Power = 0
		}
		cooling = s.cooling
	}, func(snap *alpaca.CameraSnapshot) {
		snap.Cooling = &cooling
	})
}

func (s *Simulator) SetCCDTemperature(celsius float64) error {
	var cooling alpaca.Cooling
	return s.update(func() {
		s.cooling.Target = celsius
		cooling = s.cooling
	}, func(snap *alpaca.CameraSnapshot) {
		snap.Cooling = &cooling
	})
}

// update applies a setting under the simulator lock and then publishes it.
func (s *Simulator) update(apply func(), publish func(snap *alpaca.CameraSnapshot)) error {
	s.mu.Lock()
	pub := s.pub
	if pub == nil {
		s.mu.Unlock()
		return alpaca.ErrNotConnected
	}
	apply()
	s.mu.Unlock()

	pub.Update(publish)
	return nil
}

// runCooler moves the sensor temperature one degree per tick toward the
// target while the cooler is on, and back to ambient while it is off.
func (s *Simulator) runCooler(ctx context.Context) {
	ticker := time.NewTicker(s.coolerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.coolerStep()
		}
	}
}

func (s *Simulator) coolerStep() {
	s.mu.Lock()
	pub := s.pub
	if pub == nil {
		s.mu.Unlock()
		return
	}
	ambient := s.config.AmbientTempC
	c := &s.cooling

	target := ambient
	if c.On {
		target = c.Target
	}
	switch delta := target - c.Temperature; {
	case math.Abs(delta) <= 1:
		c.Temperature = target
	case delta > 0:
		c.Temperature++
	default:
		c.Temperature--
	}

	c.Power = 0
	if c.On {
		c.Power = math.Max(0, math.Min(100, (ambient-c.Temperature)*100/40))
	}
	cooling := *c
	s.mu.Unlock()

	pub.Update(func(snap *alpaca.CameraSnapshot) {
		snap.Cooling = &cooling
	})
}
