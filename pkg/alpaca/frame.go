package alpaca

import (
	"encoding/binary"
	"fmt"
	"sync"
)

type PixelFormat int

const (
	PixelMono8 PixelFormat = iota
	PixelMono16
	PixelRGB24
	PixelRGB48
)

func (p PixelFormat) String() string {
	switch p {
	case PixelMono8:
		return "MONO8"
	case PixelMono16:
		return "MONO16"
	case PixelRGB24:
		return "RGB24"
	case PixelRGB48:
		return "RGB48"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(p))
}

// Channels returns the number of samples per pixel.
func (p PixelFormat) Channels() int {
	if p == PixelRGB24 || p == PixelRGB48 {
		return 3
	}
	return 1
}

// SampleSize returns the size of one sample in bytes.
func (p PixelFormat) SampleSize() int {
	if p == PixelMono16 || p == PixelRGB48 {
		return 2
	}
	return 1
}

func (p PixelFormat) valid() bool {
	return p >= PixelMono8 && p <= PixelRGB48
}

// channelOrder maps each channel written to clients (R, G, B) to the
// position of the sample inside a source pixel. 24-bit frames do not
// store their samples in R, G, B order.
var channelOrder = map[PixelFormat][]int{
	PixelMono8:  {0},
	PixelMono16: {0},
	PixelRGB24:  {2, 0, 1},
	PixelRGB48:  {0, 1, 2},
}

// Frame is a completed image. Samples are stored row by row, 16-bit
// samples in little endian byte order.
type Frame struct {
	format PixelFormat
	width  int
	height int

	mu        sync.RWMutex // held for reading while the frame is being encoded
	data      []byte
	onRelease func([]byte)
}

func NewFrame(format PixelFormat, width, height int, data []byte) (*Frame, error) {
	if !format.valid() {
		return nil, fmt.Errorf("invalid pixel format: %d", int(format))
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size: %dx%d", width, height)
	}
	if want := width * height * format.Channels() * format.SampleSize(); len(data) != want {
		return nil, fmt.Errorf("frame data has %d bytes, expected %d", len(data), want)
	}
	return &Frame{
		format: format,
		width:  width,
		height: height,
		data:   data,
	}, nil
}

// OnRelease registers fn to receive the pixel buffer once the frame is
// no longer the ready frame and no download is using it.
func (f *Frame) OnRelease(fn func([]byte)) *Frame {
	f.onRelease = fn
	return f
}

func (f *Frame) Format() PixelFormat {
	return f.format
}

func (f *Frame) Width() int {
	return f.width
}

func (f *Frame) Height() int {
	return f.height
}

// Rank is the rank of the image array sent to clients.
func (f *Frame) Rank() int {
	if f.format.Channels() == 3 {
		return 3
	}
	return 2
}

// ElementCount is the number of values sent to clients.
func (f *Frame) ElementCount() int {
	return f.width * f.height * f.format.Channels()
}

// value returns channel ch of the pixel at row, col. Must be called with
// f.mu held.
func (f *Frame) value(row, col, ch int) uint32 {
	channels := f.format.Channels()
	idx := (row*f.width+col)*channels + channelOrder[f.format][ch]
	if f.format.SampleSize() == 2 {
		return uint32(binary.LittleEndian.Uint16(f.data[2*idx:]))
	}
	return uint32(f.data[idx])
}

// read locks the frame for encoding. It returns false if the frame was
// released in the meantime.
func (f *Frame) read() bool {
	f.mu.RLock()
	if f.data == nil {
		f.mu.RUnlock()
		return false
	}
	return true
}

func (f *Frame) done() {
	f.mu.RUnlock()
}

// release waits for downloads in progress and hands the buffer back to
// its owner.
func (f *Frame) release() {
	f.mu.Lock()
	data := f.data
	f.data = nil
	f.mu.Unlock()

	if data != nil && f.onRelease != nil {
		f.onRelease(data)
	}
}

// FrameBuffer is a frame being filled by a driver, one sample at a time.
type FrameBuffer struct {
	format PixelFormat
	width  int
	height int
	data   []byte
}

// NewFrameBuffer returns a buffer for a width x height frame. buf is reused
// when it is large enough.
func NewFrameBuffer(format PixelFormat, width, height int, buf []byte) *FrameBuffer {
	size := width * height * format.Channels() * format.SampleSize()
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return &FrameBuffer{
		format: format,
		width:  width,
		height: height,
		data:   buf[:size],
	}
}

// Set stores channel ch (R, G, B for color formats) of the pixel at row,
// col. Values are truncated to the sample size of the format.
func (b *FrameBuffer) Set(row, col, ch int, v uint16) {
	idx := (row*b.width+col)*b.format.Channels() + channelOrder[b.format][ch]
	if b.format.SampleSize() == 2 {
		binary.LittleEndian.PutUint16(b.data[2*idx:], v)
		return
	}
	b.data[idx] = byte(v)
}

func (b *FrameBuffer) Frame() (*Frame, error) {
	return NewFrame(b.format, b.width, b.height, b.data)
}
