package alpaca

import (
	"context"
	"time"
)

type FrameType int

const (
	FrameLight FrameType = iota
	FrameDark
)

func (t FrameType) String() string {
	if t == FrameDark {
		return "Dark"
	}
	return "Light"
}

// ExposureRequest is passed to the driver when an exposure starts. All
// fields are applied together.
type ExposureRequest struct {
	StartX   int
	StartY   int
	NumX     int
	NumY     int
	Format   string // always "RAW"
	Type     FrameType
	Duration float64 // seconds
}

// StartExposure validates the exposure parameters and the current
// sub-frame, clears the ready frame and asks the driver to start the
// exposure. It does not wait for the exposure to complete.
func (c *Camera) StartExposure(duration float64, light bool) ErrorCode {
	var req ExposureRequest
	var old *Frame

	code := c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
		if duration < 0 || duration > s.ExposureMax {
			return InvalidValue
		}
		if light && duration < s.ExposureMin {
			return InvalidValue
		}
		if !s.frameValid() {
			return InvalidValue
		}

		old, c.frame = c.frame, nil
		prev := s.State
		s.State = CameraExposing
		s.LastExposureDuration = duration
		s.LastExposureStartTime = c.now().UTC().Truncate(time.Second)
		if prev != s.State {
			c.notifyLocked()
		}

		req = ExposureRequest{
			StartX:   s.StartX,
			StartY:   s.StartY,
			NumX:     s.NumX,
			NumY:     s.NumY,
			Format:   "RAW",
			Type:     FrameDark,
			Duration: duration,
		}
		if light {
			req.Type = FrameLight
		}
		return OK
	})
	if code != OK {
		return code
	}
	if old != nil {
		go old.release()
	}

	c.logger.Debugf("Starting %.3fs %s exposure %dx%d+%d+%d", duration, req.Type, req.NumX, req.NumY, req.StartX, req.StartY)
	if err := c.driver.StartExposure(req); err != nil {
		c.Update(func(s *CameraSnapshot) {
			s.State = CameraError
		})
		return c.forward("start exposure", err)
	}
	return OK
}

// AbortExposure asks the driver to abort the exposure in progress and
// waits until the camera reports it is idle. The wait is bounded by the
// abort timeout; running out of time is not an error.
func (c *Camera) AbortExposure(ctx context.Context) ErrorCode {
	if !c.Connected() {
		return NotConnected
	}
	if err := c.driver.AbortExposure(); err != nil {
		return c.forward("abort exposure", err)
	}
	if !c.waitForState(ctx, CameraIdle, c.abortTimeout) {
		c.logger.Warnf("Camera did not become idle within %s after abort", c.abortTimeout)
	}
	return OK
}

// waitForState blocks until the camera reaches want, the camera is
// disconnected, the timeout expires or ctx is done. It reports whether
// want was reached.
func (c *Camera) waitForState(ctx context.Context, want CameraState, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.snap.State == want {
			c.mu.Unlock()
			return true
		}
		if !c.snap.Connected {
			c.mu.Unlock()
			return false
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
