package mqtt_camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"sync"
	"time"

	"alpaca-camera/pkg/alpaca"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	driverName    = "MQTT Camera Driver"
	driverVersion = "1.0"

	commandQoS = 1
)

var ErrNotConnected = errors.New("MQTT camera not connected")

// publisher is the part of mqtt.Client used to send commands.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// createMQTTClient initializes and returns a new MQTT client connected to
// the broker of cfg.
func createMQTTClient(cfg Config, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(cfg.Broker())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeout) * time.Second)
	opts.SetConnectionLostHandler(onLost)

	mqttClient := mqtt.NewClient(opts)
	token := mqttClient.Connect()
	if !token.WaitTimeout(time.Duration(cfg.ConnectTimeout) * time.Second) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", cfg.Broker())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return mqttClient, nil
}

// Driver implements alpaca.CameraDriver for a camera controlled through
// MQTT messages.
type Driver struct {
	number int
	store  *store
	tmpl   *template.Template
	logger log.FieldLogger

	mu        sync.Mutex
	config    Config
	client    mqtt.Client // nil when disconnected
	publisher publisher
	pub       alpaca.CameraPublisher
	infoReady chan struct{} // closed when the first info message is applied
	offline   bool          // the camera reported offline since Connect
}

func NewDriver(number int, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db, number)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	driver := Driver{
		number: number,
		tmpl:   tmpl,
		store:  store,
		logger: logger,
	}

	return &driver, nil
}

func (d *Driver) Close() error {
	d.logger.Info("Closing MQTT camera driver")
	return d.Disconnect()
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:    driverName,
		Version: driverVersion,
	}
}

func (d *Driver) Connect(pub alpaca.CameraPublisher) error {
	config, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get camera config: %w", err)
	}

	d.mu.Lock()
	if d.client != nil {
		d.mu.Unlock()
		return fmt.Errorf("driver is already connected")
	}
	d.config = config
	d.pub = pub
	d.offline = false
	d.infoReady = make(chan struct{})
	infoReady := d.infoReady
	d.mu.Unlock()

	client, err := createMQTTClient(config, d.connectionLost)
	if err != nil {
		d.mu.Lock()
		d.pub = nil
		d.infoReady = nil
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.client = client
	d.publisher = client
	d.mu.Unlock()

	subscriptions := map[string]mqtt.MessageHandler{
		config.topic(topicInfo):      d.infoHandler,
		config.topic(topicTelemetry): d.telemetryHandler,
		config.topic(topicImage):     d.imageHandler,
		config.topic(topicStatus):    d.statusHandler,
	}
	for topic, handler := range subscriptions {
		if err := waitToken(client.Subscribe(topic, commandQoS, handler), config); err != nil {
			d.teardown()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	if err := d.waitForInfo(infoReady, config); err != nil {
		d.teardown()
		return err
	}

	d.logger.Infof("Connected to MQTT broker %s", config.Broker())
	return nil
}

// waitForInfo waits for the first camera description and checks that the
// session is still up once it arrived.
func (d *Driver) waitForInfo(infoReady <-chan struct{}, config Config) error {
	select {
	case <-infoReady:
	case <-time.After(time.Duration(config.ConnectTimeout) * time.Second):
		return fmt.Errorf("no camera description received on %s", config.topic(topicInfo))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline || d.pub == nil {
		return fmt.Errorf("camera went offline while connecting: %w", ErrNotConnected)
	}
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	connected := d.client != nil
	d.mu.Unlock()
	if !connected {
		return nil
	}

	d.teardown()
	d.logger.Info("Disconnected from MQTT broker")
	return nil
}

func (d *Driver) teardown() {
	d.mu.Lock()
	client := d.client
	topics := []string{
		d.config.topic(topicInfo),
		d.config.topic(topicTelemetry),
		d.config.topic(topicImage),
		d.config.topic(topicStatus),
	}
	d.client = nil
	d.publisher = nil
	d.pub = nil
	d.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Unsubscribe(topics...).WaitTimeout(time.Second)
	}
	client.Disconnect(250)
}

// connectionLost reports the camera as disconnected. The Alpaca client
// has to connect again.
func (d *Driver) connectionLost(_ mqtt.Client, err error) {
	d.logger.Errorf("Connection to MQTT broker lost: %v", err)
	d.lost()
}

func (d *Driver) lost() {
	d.mu.Lock()
	pub := d.pub
	d.mu.Unlock()

	d.teardown()
	if pub != nil {
		pub.Update(func(s *alpaca.CameraSnapshot) {
			s.Connected = false
		})
	}
}

func (d *Driver) StartExposure(req alpaca.ExposureRequest) error {
	return d.sendCommand(exposureCommand(req))
}

func (d *Driver) AbortExposure() error {
	return d.sendCommand(command{Cmd: "abort_exposure"})
}

func (d *Driver) SetGain(value int) error {
	return d.sendCommand(valueCommand("set_gain", float64(value)))
}

func (d *Driver) SetOffset(value int) error {
	return d.sendCommand(valueCommand("set_offset", float64(value)))
}

func (d *Driver) SetReadoutMode(name string) error {
	return d.sendCommand(command{Cmd: "set_readout_mode", Mode: name})
}

func (d *Driver) SetCoolerOn(on bool) error {
	return d.sendCommand(command{Cmd: "set_cooler", On: &on})
}

func (d *Driver) SetCCDTemperature(celsius float64) error {
	return d.sendCommand(valueCommand("set_temperature", celsius))
}

func (d *Driver) sendCommand(cmd command) error {
	d.mu.Lock()
	p := d.publisher
	config := d.config
	d.mu.Unlock()

	if p == nil {
		return ErrNotConnected
	}

	msg, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	d.logger.Debugf("Sending command: %s", msg)

	if err := waitToken(p.Publish(config.topic(topicCommands), commandQoS, false, msg), config); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

func waitToken(token mqtt.Token, config Config) error {
	if !token.WaitTimeout(time.Duration(config.ConnectTimeout) * time.Second) {
		return fmt.Errorf("timeout")
	}
	return token.Error()
}

func (d *Driver) publisherOf() alpaca.CameraPublisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pub
}

// infoHandler processes the camera description.
func (d *Driver) infoHandler(_ mqtt.Client, msg mqtt.Message) {
	var info infoMsg
	if err := json.Unmarshal(msg.Payload(), &info); err != nil {
		d.logger.Errorf("Failed to unmarshal info message: %v", err)
		return
	}
	if err := info.validate(); err != nil {
		d.logger.Errorf("Invalid info message: %v", err)
		return
	}

	pub := d.publisherOf()
	if pub == nil {
		return
	}
	d.logger.Debugf("Info: %+v", info)
	pub.Update(info.apply)

	d.mu.Lock()
	if d.infoReady != nil {
		close(d.infoReady)
		d.infoReady = nil
	}
	d.mu.Unlock()
}

// telemetryHandler processes the telemetry messages.
func (d *Driver) telemetryHandler(_ mqtt.Client, msg mqtt.Message) {
	var telemetry telemetryMsg
	if err := json.Unmarshal(msg.Payload(), &telemetry); err != nil {
		d.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}

	if pub := d.publisherOf(); pub != nil {
		pub.Update(telemetry.apply)
	}
}

// imageHandler processes completed frames.
func (d *Driver) imageHandler(_ mqtt.Client, msg mqtt.Message) {
	frame, err := parseImage(msg.Payload())
	if err != nil {
		d.logger.Errorf("Invalid image message: %v", err)
		return
	}

	d.logger.Debugf("Image: %s %dx%d", frame.Format(), frame.Width(), frame.Height())
	if pub := d.publisherOf(); pub != nil {
		pub.PublishImage(frame)
	}
}

// statusHandler reports the camera as disconnected when it goes offline.
func (d *Driver) statusHandler(_ mqtt.Client, msg mqtt.Message) {
	status := string(msg.Payload())
	d.logger.Infof("Camera status: %s", status)
	if status != statusOffline {
		return
	}

	d.mu.Lock()
	d.offline = true
	if d.infoReady != nil {
		close(d.infoReady)
		d.infoReady = nil
	}
	d.mu.Unlock()

	// Unsubscribing from a message handler blocks the client.
	go d.lost()
}
