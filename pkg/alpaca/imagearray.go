package alpaca

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"strconv"
)

const (
	imageElementInt32 = 2

	imageBytesMetadataVersion = 1
	imageBytesHeaderSize      = 44 // 11 fields of 4 bytes
)

// readyFrame returns the ready frame or the reason there is none.
func (c *Camera) readyFrame() (*Frame, ErrorCode) {
	var f *Frame
	code := c.withSnapshot(func(s *CameraSnapshot) ErrorCode {
		if c.frame == nil {
			return InvalidOperation
		}
		f = c.frame
		return OK
	})
	return f, code
}

// WriteImageJSON writes the ready frame as an Alpaca JSON image array.
// Columns are written first, each from the last row to the first.
func (c *Camera) WriteImageJSON(w io.Writer, clientTxID, serverTxID uint32) error {
	bw := bufio.NewWriterSize(w, 64*1024)

	f, code := c.readyFrame()
	if code == OK && !f.read() {
		code = InvalidOperation
	}

	rank := 2
	if code == OK {
		defer f.done()
		rank = f.Rank()
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, `{"Type":`...)
	buf = strconv.AppendInt(buf, imageElementInt32, 10)
	buf = append(buf, `,"Rank":`...)
	buf = strconv.AppendInt(buf, int64(rank), 10)
	buf = append(buf, `,"Value":[`...)
	if _, err := bw.Write(buf); err != nil {
		return err
	}

	if code == OK {
		if err := writeJSONValues(bw, f); err != nil {
			return err
		}
	}

	message, _ := json.Marshal(code.Message())
	buf = buf[:0]
	buf = append(buf, `],"ErrorNumber":`...)
	buf = strconv.AppendInt(buf, int64(code), 10)
	buf = append(buf, `,"ErrorMessage":`...)
	buf = append(buf, message...)
	buf = append(buf, `,"ClientTransactionID":`...)
	buf = strconv.AppendUint(buf, uint64(clientTxID), 10)
	buf = append(buf, `,"ServerTransactionID":`...)
	buf = strconv.AppendUint(buf, uint64(serverTxID), 10)
	buf = append(buf, '}')
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return bw.Flush()
}

func writeJSONValues(bw *bufio.Writer, f *Frame) error {
	channels := f.format.Channels()
	buf := make([]byte, 0, 64)

	for col := 0; col < f.width; col++ {
		buf = buf[:0]
		if col > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for row := f.height - 1; row >= 0; row-- {
			if row < f.height-1 {
				buf = append(buf, ',')
			}
			if channels == 1 {
				buf = strconv.AppendUint(buf, uint64(f.value(row, col, 0)), 10)
			} else {
				buf = append(buf, '[')
				for ch := 0; ch < channels; ch++ {
					if ch > 0 {
						buf = append(buf, ',')
					}
					buf = strconv.AppendUint(buf, uint64(f.value(row, col, ch)), 10)
				}
				buf = append(buf, ']')
			}
			if len(buf) > 4096 {
				if _, err := bw.Write(buf); err != nil {
					return err
				}
				buf = buf[:0]
			}
		}
		buf = append(buf, ']')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// wireWriter appends fixed width little endian fields.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) int32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *wireWriter) uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) Len() int {
	return len(w.buf)
}

func (w *wireWriter) Bytes() []byte {
	return w.buf
}

// ImageBytes is an encoded ImageBytes response.
type ImageBytes struct {
	Header  []byte
	Payload []byte
	Code    ErrorCode
}

// ContentLength is the value sent in the Content-Length header. Clients
// expect it to cover the payload only, without the metadata header.
func (ib ImageBytes) ContentLength() int {
	return len(ib.Payload)
}

type imageBytesMetadata struct {
	ErrorNumber         ErrorCode
	ClientTransactionID uint32
	ServerTransactionID uint32
	Rank                int
	Dimension1          int
	Dimension2          int
	Dimension3          int
}

func (m imageBytesMetadata) encode() []byte {
	w := wireWriter{buf: make([]byte, 0, imageBytesHeaderSize)}
	w.int32(imageBytesMetadataVersion)
	w.int32(int32(m.ErrorNumber))
	w.uint32(m.ClientTransactionID)
	w.uint32(m.ServerTransactionID)
	w.int32(imageBytesHeaderSize)
	w.int32(imageElementInt32)
	w.int32(imageElementInt32)
	w.int32(int32(m.Rank))
	w.int32(int32(m.Dimension1))
	w.int32(int32(m.Dimension2))
	w.int32(int32(m.Dimension3))
	return w.Bytes()
}

// ImageBytes encodes the ready frame in the ImageBytes binary format.
// Every value is widened to a 32-bit integer and written in the same
// order as the JSON image array. Without a ready frame the header carries
// the error and the payload is the error message.
func (c *Camera) ImageBytes(clientTxID, serverTxID uint32) ImageBytes {
	meta := imageBytesMetadata{
		ClientTransactionID: clientTxID,
		ServerTransactionID: serverTxID,
	}

	f, code := c.readyFrame()
	if code == OK && !f.read() {
		code = InvalidOperation
	}
	if code != OK {
		meta.ErrorNumber = code
		return ImageBytes{
			Header:  meta.encode(),
			Payload: []byte(code.Message()),
			Code:    code,
		}
	}
	defer f.done()

	meta.Rank = f.Rank()
	meta.Dimension1 = f.width
	meta.Dimension2 = f.height
	if meta.Rank == 3 {
		meta.Dimension3 = f.format.Channels()
	}

	channels := f.format.Channels()
	payload := wireWriter{buf: make([]byte, 0, f.ElementCount()*4)}
	for col := 0; col < f.width; col++ {
		for row := f.height - 1; row >= 0; row-- {
			for ch := 0; ch < channels; ch++ {
				payload.uint32(f.value(row, col, ch))
			}
		}
	}

	return ImageBytes{
		Header:  meta.encode(),
		Payload: payload.Bytes(),
		Code:    OK,
	}
}
