package alpaca

import (
	"compress/gzip"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	apiVersion = 1

	mimeImageBytes = "application/imagebytes"
)

type CameraHandler struct {
	DeviceHandler
	dev *Camera
}

func NewCameraHandler(dev *Camera) *CameraHandler {
	return &CameraHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (ch *CameraHandler) RegisterRoutes(mux *http.ServeMux) {
	ch.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /imagearray", ch.handleImageArray)
	mux.HandleFunc("GET /{command}", ch.handleGet)
	mux.HandleFunc("PUT /{command}", ch.handleSet)
}

func (ch *CameraHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	command := r.PathValue("command")
	ch.dev.logger.Debugf("Camera property: %s", command)

	value, code := ch.dev.Get(apiVersion, command)
	handleResponse(w, r, value, code)
}

func (ch *CameraHandler) handleSet(w http.ResponseWriter, r *http.Request) {
	command := r.PathValue("command")
	params := requestParams(r)
	if _, err := getClientTxID(params, r.URL.Path); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch.dev.logger.Debugf("Camera command: %s %v", command, params)

	code := ch.dev.Set(r.Context(), apiVersion, command, rawParams(params))
	handleResponse(w, r, nil, code)
}

func (ch *CameraHandler) handleImageArray(w http.ResponseWriter, r *http.Request) {
	clientTxID, err := getClientTxID(r.URL.Query(), r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	serverTxID := nextServerTxID()

	if strings.Contains(r.Header.Get("Accept"), mimeImageBytes) {
		ib := ch.dev.ImageBytes(clientTxID, serverTxID)
		ch.dev.logger.Debugf("imagearray -> %d <binary %d bytes>", ib.Code, len(ib.Header)+len(ib.Payload))
		if err := writeImageBytes(w, ib, ch.dev.logger); err != nil {
			ch.dev.logger.Debugf("Error writing image: %v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		if err := ch.dev.WriteImageJSON(w, clientTxID, serverTxID); err != nil {
			ch.dev.logger.Debugf("Error writing image: %v", err)
		}
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	if err := ch.dev.WriteImageJSON(gz, clientTxID, serverTxID); err != nil {
		ch.dev.logger.Debugf("Error writing image: %v", err)
	}
	if err := gz.Close(); err != nil {
		ch.dev.logger.Debugf("Error writing image: %v", err)
	}
}

// writeImageBytes sends an ImageBytes response. The announced length
// leaves out the metadata header, so the response is written directly on
// the connection where possible. The connection is closed afterwards since
// the client cannot find the end of the body. Writers that cannot be
// hijacked would reject the extra bytes, so they get no Content-Length.
func writeImageBytes(w http.ResponseWriter, ib ImageBytes, logger log.FieldLogger) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Warnf("Connection cannot be hijacked, sending ImageBytes without Content-Length")
		w.Header().Set("Content-Type", mimeImageBytes)
		if _, err := w.Write(ib.Header); err != nil {
			return err
		}
		_, err := w.Write(ib.Payload)
		return err
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		mimeImageBytes, ib.ContentLength())
	if _, err := rw.Write(ib.Header); err != nil {
		return err
	}
	if _, err := rw.Write(ib.Payload); err != nil {
		return err
	}
	return rw.Flush()
}
