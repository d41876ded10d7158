package alpaca

import (
	"context"
	"math"
	"strconv"
	"strings"
)

const lastExposureStartTimeLayout = "2006-01-02T15:04:05"

type cameraGetter func(c *Camera) (any, ErrorCode)

type cameraSetter func(ctx context.Context, c *Camera, params []string) ErrorCode

type cameraCommand struct {
	get cameraGetter
	set cameraSetter
}

// property builds a getter reading the snapshot under the property lock.
// The connection is always checked before read runs.
func property[T any](read func(s *CameraSnapshot) (T, ErrorCode)) cameraGetter {
	return func(c *Camera) (any, ErrorCode) {
		var value T
		code := c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
			var code ErrorCode
			value, code = read(s)
			return code
		})
		if code != OK {
			return nil, code
		}
		return value, OK
	}
}

// fixed builds a getter returning v for any connected camera.
func fixed[T any](v T) cameraGetter {
	return property(func(*CameraSnapshot) (T, ErrorCode) {
		return v, OK
	})
}

func notImplemented(*Camera) (any, ErrorCode) {
	return nil, NotImplemented
}

var cameraCommands = map[string]cameraCommand{
	"interfaceversion": {get: func(*Camera) (any, ErrorCode) { return cameraInterfaceVersion, OK }},
	"supportedactions": {get: func(*Camera) (any, ErrorCode) { return []string{}, OK }},

	"canabortexposure": {get: property(func(s *CameraSnapshot) (bool, ErrorCode) {
		return s.CanAbortExposure, OK
	})},
	"cangetcoolerpower": {get: property(func(s *CameraSnapshot) (bool, ErrorCode) {
		return s.CanGetCoolerPower, OK
	})},
	"cansetccdtemperature": {get: property(func(s *CameraSnapshot) (bool, ErrorCode) {
		return s.CanSetCCDTemperature, OK
	})},
	"hasshutter":     {get: fixed(false)},
	"ispulseguiding": {get: fixed(false)},
	"imageready": {get: func(c *Camera) (any, ErrorCode) {
		var ready bool
		code := c.withSnapshot(func(*CameraSnapshot) ErrorCode {
			ready = c.frame != nil
			return OK
		})
		if code != OK {
			return nil, code
		}
		return ready, OK
	}},

	"binx":    {get: fixed(1), set: setBinning("BinX")},
	"biny":    {get: fixed(1), set: setBinning("BinY")},
	"maxbinx": {get: fixed(1)},
	"maxbiny": {get: fixed(1)},

	"camerastate": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		return int(s.State), OK
	})},
	"cameraxsize": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		return s.CameraXSize, OK
	})},
	"cameraysize": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		return s.CameraYSize, OK
	})},
	"startx": {
		get: property(func(s *CameraSnapshot) (int, ErrorCode) { return s.StartX, OK }),
		set: setGeometry("StartX", func(s *CameraSnapshot, v int) { s.StartX = v }),
	},
	"starty": {
		get: property(func(s *CameraSnapshot) (int, ErrorCode) { return s.StartY, OK }),
		set: setGeometry("StartY", func(s *CameraSnapshot, v int) { s.StartY = v }),
	},
	"numx": {
		get: property(func(s *CameraSnapshot) (int, ErrorCode) { return s.NumX, OK }),
		set: setGeometry("NumX", func(s *CameraSnapshot, v int) { s.NumX = v }),
	},
	"numy": {
		get: property(func(s *CameraSnapshot) (int, ErrorCode) { return s.NumY, OK }),
		set: setGeometry("NumY", func(s *CameraSnapshot, v int) { s.NumY = v }),
	},
	"maxadu": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		return s.MaxADU, OK
	})},

	"gain":    {get: controlValue(gainControl), set: setControl("Gain", gainControl)},
	"gainmin": {get: controlMin(gainControl)},
	"gainmax": {get: controlMax(gainControl)},
	"gains":     {get: listUnsupported()},
	"offset":    {get: controlValue(offsetControl), set: setControl("Offset", offsetControl)},
	"offsetmin": {get: controlMin(offsetControl)},
	"offsetmax": {get: controlMax(offsetControl)},
	"offsets":   {get: listUnsupported()},

	"readoutmode": {
		get: property(func(s *CameraSnapshot) (int, ErrorCode) { return s.ReadoutMode, OK }),
		set: setReadoutMode,
	},
	"readoutmodes": {get: property(func(s *CameraSnapshot) ([]string, ErrorCode) {
		labels := make([]string, 0, len(s.ReadoutModes))
		for _, m := range s.ReadoutModes {
			labels = append(labels, m.Label)
		}
		return labels, OK
	})},

	"ccdtemperature": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		if !temperatureKnown(s) {
			return 0, NotImplemented
		}
		return s.Cooling.Temperature, OK
	})},
	"heatsinktemperature": {get: property(func(*CameraSnapshot) (float64, ErrorCode) {
		return 0, NotImplemented
	})},
	"setccdtemperature": {
		get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
			if !temperatureKnown(s) {
				return 0, NotImplemented
			}
			return s.Cooling.Target, OK
		}),
		set: setCCDTemperature,
	},
	"cooleron": {
		get: property(func(s *CameraSnapshot) (bool, ErrorCode) {
			if !s.CanSetCCDTemperature || s.Cooling == nil {
				return false, NotImplemented
			}
			return s.Cooling.On, OK
		}),
		set: setCoolerOn,
	},
	"coolerpower": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		if !s.CanGetCoolerPower || s.Cooling == nil {
			return 0, NotImplemented
		}
		return s.Cooling.Power, OK
	})},

	"electronsperadu": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.ElectronsPerADU, OK
	})},
	"fullwellcapacity": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.FullWellCapacity, OK
	})},
	"pixelsizex": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.PixelSizeX, OK
	})},
	"pixelsizey": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.PixelSizeY, OK
	})},

	"exposuremin": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.ExposureMin, OK
	})},
	"exposuremax": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		return s.ExposureMax, OK
	})},
	"exposureresolution": {get: fixed(0.0)},
	"lastexposureduration": {get: property(func(s *CameraSnapshot) (float64, ErrorCode) {
		if s.LastExposureStartTime.IsZero() {
			return 0, InvalidOperation
		}
		return s.LastExposureDuration, OK
	})},
	"lastexposurestarttime": {get: property(func(s *CameraSnapshot) (string, ErrorCode) {
		if s.LastExposureStartTime.IsZero() {
			return "", InvalidOperation
		}
		return s.LastExposureStartTime.UTC().Format(lastExposureStartTimeLayout), OK
	})},

	"sensortype": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		return int(sensorType(s)), OK
	})},
	"sensorname": {get: property(func(s *CameraSnapshot) (string, ErrorCode) {
		return s.SensorName, OK
	})},
	"bayeroffsetx": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		x, _, ok := bayerOffsets(s.BayerPattern)
		if !ok {
			return 0, NotImplemented
		}
		return x, OK
	})},
	"bayeroffsety": {get: property(func(s *CameraSnapshot) (int, ErrorCode) {
		_, y, ok := bayerOffsets(s.BayerPattern)
		if !ok {
			return 0, NotImplemented
		}
		return y, OK
	})},

	"startexposure": {set: startExposure},
	"abortexposure": {set: func(ctx context.Context, c *Camera, _ []string) ErrorCode {
		return c.AbortExposure(ctx)
	}},

	"percentcompleted": {get: notImplemented},
	"subexposureduration": {get: notImplemented},
}

// Get runs the getter registered for command.
func (c *Camera) Get(version int, command string) (any, ErrorCode) {
	command = strings.ToLower(command)
	cmd, ok := cameraCommands[command]
	if !ok || cmd.get == nil {
		if strings.HasPrefix(command, "can") {
			return false, OK
		}
		return nil, NotImplemented
	}
	return cmd.get(c)
}

// Set runs the setter registered for command. params are "Key=value"
// strings as received from the client.
func (c *Camera) Set(ctx context.Context, version int, command string, params []string) ErrorCode {
	cmd, ok := cameraCommands[strings.ToLower(command)]
	if !ok || cmd.set == nil {
		return NotImplemented
	}
	code := cmd.set(ctx, c, params)
	if code != OK {
		c.logger.Debugf("%s %v -> %d %s", command, params, code, code.Message())
	}
	return code
}

// forward reports the result of a request passed on to the driver.
func (c *Camera) forward(op string, err error) ErrorCode {
	if err != nil {
		c.logger.Errorf("%s failed: %v", op, err)
	}
	return CodeOf(err)
}

func gainControl(s *CameraSnapshot) *Control {
	return s.Gain
}

func offsetControl(s *CameraSnapshot) *Control {
	return s.Offset
}

func controlValue(control func(*CameraSnapshot) *Control) cameraGetter {
	return property(func(s *CameraSnapshot) (int, ErrorCode) {
		ctl := control(s)
		if ctl == nil {
			return 0, NotImplemented
		}
		return ctl.Value, OK
	})
}

func controlMin(control func(*CameraSnapshot) *Control) cameraGetter {
	return property(func(s *CameraSnapshot) (int, ErrorCode) {
		ctl := control(s)
		if ctl == nil {
			return 0, NotImplemented
		}
		return ctl.Min, OK
	})
}

func controlMax(control func(*CameraSnapshot) *Control) cameraGetter {
	return property(func(s *CameraSnapshot) (int, ErrorCode) {
		ctl := control(s)
		if ctl == nil {
			return 0, NotImplemented
		}
		return ctl.Max, OK
	})
}

// listUnsupported reports NotImplemented for named value lists. Only
// numeric ranges are supported.
func listUnsupported() cameraGetter {
	return property(func(*CameraSnapshot) ([]string, ErrorCode) {
		return nil, NotImplemented
	})
}

func temperatureKnown(s *CameraSnapshot) bool {
	return s.Cooling != nil && !math.IsNaN(s.Cooling.Temperature)
}

func sensorType(s *CameraSnapshot) SensorType {
	if s.ReadoutMode >= 0 && s.ReadoutMode < len(s.ReadoutModes) {
		if strings.HasPrefix(strings.ToLower(s.ReadoutModes[s.ReadoutMode].Name), "rgb") {
			return SensorColor
		}
	}
	if _, _, ok := bayerOffsets(s.BayerPattern); ok {
		return SensorRGGB
	}
	return SensorMonochrome
}

// bayerOffsets returns the position of the red pixel in the bayer matrix.
func bayerOffsets(pattern string) (x, y int, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(pattern)) {
	case "RGGB":
		return 0, 0, true
	case "GRBG":
		return 1, 0, true
	case "GBRG":
		return 0, 1, true
	case "BGGR":
		return 1, 1, true
	}
	return 0, 0, false
}

// paramValue finds key in "Key=value" parameters, ignoring the case of
// the key.
func paramValue(params []string, key string) (string, bool) {
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func intParam(params []string, key string) (int, ErrorCode) {
	s, ok := paramValue(params, key)
	if !ok {
		return 0, InvalidValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, InvalidValue
	}
	return v, OK
}

func floatParam(params []string, key string) (float64, ErrorCode) {
	s, ok := paramValue(params, key)
	if !ok {
		return 0, InvalidValue
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, InvalidValue
	}
	return v, OK
}

func boolParam(params []string, key string) (bool, ErrorCode) {
	s, ok := paramValue(params, key)
	if !ok {
		return false, InvalidValue
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, InvalidValue
	}
	return v, OK
}

func setBinning(key string) cameraSetter {
	return func(_ context.Context, c *Camera, params []string) ErrorCode {
		v, code := intParam(params, key)
		if code != OK {
			return code
		}
		return c.withSnapshot(func(*CameraSnapshot) ErrorCode {
			if v != 1 {
				return InvalidValue
			}
			return OK
		})
	}
}

// setGeometry stores a sub-frame coordinate. Values are checked against the
// sensor when the next exposure starts.
func setGeometry(key string, apply func(s *CameraSnapshot, v int)) cameraSetter {
	return func(_ context.Context, c *Camera, params []string) ErrorCode {
		v, code := floatParam(params, key)
		if code != OK {
			return code
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return InvalidValue
		}
		return c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
			apply(s, int(v))
			return OK
		})
	}
}

func setControl(key string, control func(*CameraSnapshot) *Control) cameraSetter {
	return func(_ context.Context, c *Camera, params []string) ErrorCode {
		v, code := intParam(params, key)
		if code != OK {
			return code
		}
		code = c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
			ctl := control(s)
			if ctl == nil {
				return NotImplemented
			}
			if v < ctl.Min || v > ctl.Max {
				return InvalidValue
			}
			return OK
		})
		if code != OK {
			return code
		}
		if key == "Gain" {
			return c.forward("set gain", c.driver.SetGain(v))
		}
		return c.forward("set offset", c.driver.SetOffset(v))
	}
}

func setReadoutMode(_ context.Context, c *Camera, params []string) ErrorCode {
	v, code := intParam(params, "ReadoutMode")
	if code != OK {
		return code
	}
	var name string
	code = c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
		if v < 0 || v >= len(s.ReadoutModes) {
			return InvalidValue
		}
		name = s.ReadoutModes[v].Name
		return OK
	})
	if code != OK {
		return code
	}
	return c.forward("set readout mode", c.driver.SetReadoutMode(name))
}

func setCCDTemperature(_ context.Context, c *Camera, params []string) ErrorCode {
	v, code := floatParam(params, "SetCCDTemperature")
	if code != OK {
		return code
	}
	code = c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
		if !s.CanSetCCDTemperature {
			return NotImplemented
		}
		if v < -273 || v > 50 {
			return InvalidValue
		}
		return OK
	})
	if code != OK {
		return code
	}
	return c.forward("set CCD temperature", c.driver.SetCCDTemperature(v))
}

func setCoolerOn(_ context.Context, c *Camera, params []string) ErrorCode {
	v, code := boolParam(params, "CoolerOn")
	if code != OK {
		return code
	}
	code = c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
		if !s.CanSetCCDTemperature {
			return NotImplemented
		}
		return OK
	})
	if code != OK {
		return code
	}
	return c.forward("set cooler", c.driver.SetCoolerOn(v))
}

func startExposure(_ context.Context, c *Camera, params []string) ErrorCode {
	duration, code := floatParam(params, "Duration")
	if code != OK {
		return code
	}
	light, code := boolParam(params, "Light")
	if code != OK {
		return code
	}
	return c.StartExposure(duration, light)
}
