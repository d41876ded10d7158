package alpaca

import "net/http"

type DeviceType string

const (
	DeviceTypeCamera DeviceType = "Camera"
)

func (t DeviceType) String() string {
	return string(t)
}

type DeviceInfo struct {
	Name        string     `json:"DeviceName"`
	Description string     `json:"-"`
	Type        DeviceType `json:"DeviceType"`
	Number      int        `json:"DeviceNumber"`
	UniqueID    string     `json:"UniqueID"`
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value interface{}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}

// SetupHandler is implemented by devices that provide a setup page.
type SetupHandler interface {
	HandleSetup(w http.ResponseWriter, r *http.Request)
}

// setupHandlerOf returns the setup page of dev. Devices wrapping a driver
// expose the driver's page through a Setup method.
func setupHandlerOf(dev Device) (SetupHandler, bool) {
	if s, ok := dev.(SetupHandler); ok {
		return s, true
	}
	if p, ok := dev.(interface{ Setup() (SetupHandler, bool) }); ok {
		return p.Setup()
	}
	return nil, false
}
