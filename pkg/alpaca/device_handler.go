package alpaca

import (
	"net/http"
	"strconv"
)

type DeviceHandler struct {
	dev Device
}

func NewDeviceHandler(dev Device) *DeviceHandler {
	return &DeviceHandler{dev}
}

func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /name", h.handleName)
	mux.HandleFunc("GET /description", h.handleDescription)
	mux.HandleFunc("GET /driverinfo", h.handleDriverInfo)
	mux.HandleFunc("GET /driverversion", h.handleDriverVersion)
	mux.HandleFunc("GET /interfaceversion", h.handleInterfaceVersion)
	mux.HandleFunc("GET /devicestate", h.handleState)

	mux.HandleFunc("GET /connected", h.handleConnected)
	mux.HandleFunc("PUT /connected", h.handleSetConnected)
	mux.HandleFunc("GET /connecting", h.handleConnecting)
	mux.HandleFunc("PUT /connect", h.handleConnect)
	mux.HandleFunc("PUT /disconnect", h.handleDisconnect)

	if s, ok := setupHandlerOf(h.dev); ok {
		mux.HandleFunc("GET /setup", s.HandleSetup)
		mux.HandleFunc("POST /setup", s.HandleSetup)
	}
}

func (h *DeviceHandler) handleName(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DeviceInfo().Name, OK)
}

func (h *DeviceHandler) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DeviceInfo().Description, OK)
}

func (h *DeviceHandler) handleDriverInfo(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().Name, OK)
}

func (h *DeviceHandler) handleDriverVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().Version, OK)
}

func (h *DeviceHandler) handleInterfaceVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().InterfaceVersion, OK)
}

func (h *DeviceHandler) handleState(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.GetState(), OK)
}

func (h *DeviceHandler) handleConnected(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connected(), OK)
}

func (h *DeviceHandler) handleSetConnected(w http.ResponseWriter, r *http.Request) {
	value, ok := lookupParam(requestParams(r), "Connected")
	if !ok {
		http.Error(w, "missing Connected parameter", http.StatusBadRequest)
		return
	}
	connected, err := strconv.ParseBool(value)
	if err != nil {
		http.Error(w, "invalid Connected parameter", http.StatusBadRequest)
		return
	}

	if connected {
		err = h.dev.Connect()
	} else {
		err = h.dev.Disconnect()
	}
	handleResponse(w, r, nil, CodeOf(err))
}

func (h *DeviceHandler) handleConnecting(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connecting(), OK)
}

func (h *DeviceHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, nil, CodeOf(h.dev.Connect()))
}

func (h *DeviceHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, nil, CodeOf(h.dev.Disconnect()))
}
