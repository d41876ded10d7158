package mqtt_camera

import (
	"encoding/binary"
	"fmt"
	"math"

	"alpaca-camera/pkg/alpaca"
)

// Topics below the configured root.
const (
	topicInfo      = "info"      // camera description, retained
	topicTelemetry = "telemetry" // periodic state
	topicImage     = "image"     // completed frames
	topicStatus    = "status"    // "online" or "offline", last will of the camera
	topicCommands  = "commands"  // commands sent by the driver

	statusOffline = "offline"

	imageHeaderSize = 12
)

type readoutModeMsg struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// infoMsg describes the camera. It is published retained under the "info"
// topic so it is received right after subscribing.
type infoMsg struct {
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	PixelSizeX      float64          `json:"pixel_size_x"`
	PixelSizeY      float64          `json:"pixel_size_y"`
	MaxADU          int              `json:"max_adu"`
	ElectronsPerADU float64          `json:"electrons_per_adu"`
	FullWell        float64          `json:"full_well"`
	ExposureMin     float64          `json:"exposure_min"`
	ExposureMax     float64          `json:"exposure_max"`
	BayerPattern    string           `json:"bayer_pattern"`
	SensorName      string           `json:"sensor_name"`
	CanAbort        bool             `json:"can_abort"`
	Cooler          bool             `json:"cooler"`
	CoolerPower     bool             `json:"cooler_power"`
	GainMin         int              `json:"gain_min"`
	GainMax         int              `json:"gain_max"`
	OffsetMin       int              `json:"offset_min"`
	OffsetMax       int              `json:"offset_max"`
	ReadoutModes    []readoutModeMsg `json:"readout_modes"`
}

func (m infoMsg) validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid sensor size: %dx%d", m.Width, m.Height)
	}
	if len(m.ReadoutModes) == 0 {
		return fmt.Errorf("no readout modes")
	}
	return nil
}

// apply fills the snapshot with the camera description. The sub-frame is
// reset to the full sensor.
func (m infoMsg) apply(s *alpaca.CameraSnapshot) {
	s.CanAbortExposure = m.CanAbort
	s.CanSetCCDTemperature = m.Cooler
	s.CanGetCoolerPower = m.CoolerPower

	s.CameraXSize = m.Width
	s.CameraYSize = m.Height
	s.StartX = 0
	s.StartY = 0
	s.NumX = m.Width
	s.NumY = m.Height

	s.ReadoutModes = make([]alpaca.ReadoutMode, 0, len(m.ReadoutModes))
	for _, rm := range m.ReadoutModes {
		label := rm.Label
		if label == "" {
			label = rm.Name
		}
		s.ReadoutModes = append(s.ReadoutModes, alpaca.ReadoutMode{Name: rm.Name, Label: label})
	}
	if s.ReadoutMode >= len(s.ReadoutModes) {
		s.ReadoutMode = 0
	}

	s.ExposureMin = m.ExposureMin
	s.ExposureMax = m.ExposureMax
	s.PixelSizeX = m.PixelSizeX
	s.PixelSizeY = m.PixelSizeY
	s.MaxADU = m.MaxADU
	s.ElectronsPerADU = m.ElectronsPerADU
	s.FullWellCapacity = m.FullWell
	s.BayerPattern = m.BayerPattern
	s.SensorName = m.SensorName

	s.Gain = alpaca.NewControl(m.GainMin, m.GainMin, m.GainMax)
	s.Offset = alpaca.NewControl(m.OffsetMin, m.OffsetMin, m.OffsetMax)
	if s.Cooling == nil {
		s.Cooling = &alpaca.Cooling{Temperature: math.NaN(), Target: math.NaN()}
	}
}

// telemetryMsg is received periodically under the "telemetry" topic.
// Fields left out keep their previous value.
type telemetryMsg struct {
	State       *int     `json:"state"`
	Temperature *float64 `json:"temperature"` // null when unknown
	Target      *float64 `json:"target"`
	CoolerOn    *bool    `json:"cooler_on"`
	CoolerPower *float64 `json:"cooler_power"`
	Gain        *int     `json:"gain"`
	Offset      *int     `json:"offset"`
	ReadoutMode *string  `json:"readout_mode"`
}

func (m telemetryMsg) apply(s *alpaca.CameraSnapshot) {
	if m.State != nil && *m.State >= int(alpaca.CameraIdle) && *m.State <= int(alpaca.CameraError) {
		s.State = alpaca.CameraState(*m.State)
	}

	if s.Cooling != nil {
		cooling := *s.Cooling
		if m.Temperature != nil {
			cooling.Temperature = *m.Temperature
		}
		if m.Target != nil {
			cooling.Target = *m.Target
		}
		if m.CoolerOn != nil {
			cooling.On = *m.CoolerOn
		}
		if m.CoolerPower != nil {
			cooling.Power = *m.CoolerPower
		}
		s.Cooling = &cooling
	}

	if m.Gain != nil && s.Gain != nil {
		gain := *s.Gain
		gain.Value = *m.Gain
		s.Gain = &gain
	}
	if m.Offset != nil && s.Offset != nil {
		offset := *s.Offset
		offset.Value = *m.Offset
		s.Offset = &offset
	}
	if m.ReadoutMode != nil {
		for i, rm := range s.ReadoutModes {
			if rm.Name == *m.ReadoutMode {
				s.ReadoutMode = i
				break
			}
		}
	}
}

// parseImage decodes an "image" message: a little endian header of three
// uint32 (pixel format, width, height) followed by the samples, row by row.
func parseImage(payload []byte) (*alpaca.Frame, error) {
	if len(payload) < imageHeaderSize {
		return nil, fmt.Errorf("image message too short: %d bytes", len(payload))
	}

	format := alpaca.PixelFormat(binary.LittleEndian.Uint32(payload[0:]))
	width := binary.LittleEndian.Uint32(payload[4:])
	height := binary.LittleEndian.Uint32(payload[8:])
	if width > math.MaxInt32 || height > math.MaxInt32 {
		return nil, fmt.Errorf("invalid image size: %dx%d", width, height)
	}

	// The payload belongs to the MQTT client.
	data := make([]byte, len(payload)-imageHeaderSize)
	copy(data, payload[imageHeaderSize:])

	return alpaca.NewFrame(format, int(width), int(height), data)
}

// command is sent to the camera under the "commands" topic.
type command struct {
	Cmd string `json:"cmd"`

	X        *int     `json:"x,omitempty"`
	Y        *int     `json:"y,omitempty"`
	Width    *int     `json:"width,omitempty"`
	Height   *int     `json:"height,omitempty"`
	Format   string   `json:"format,omitempty"`
	Type     string   `json:"type,omitempty"`
	Duration *float64 `json:"duration,omitempty"`

	Value *float64 `json:"value,omitempty"`
	Mode  string   `json:"mode,omitempty"`
	On    *bool    `json:"on,omitempty"`
}

func exposureCommand(req alpaca.ExposureRequest) command {
	frameType := "light"
	if req.Type == alpaca.FrameDark {
		frameType = "dark"
	}
	return command{
		Cmd:      "start_exposure",
		X:        &req.StartX,
		Y:        &req.StartY,
		Width:    &req.NumX,
		Height:   &req.NumY,
		Format:   req.Format,
		Type:     frameType,
		Duration: &req.Duration,
	}
}

func valueCommand(cmd string, v float64) command {
	return command{Cmd: cmd, Value: &v}
}
