package mqtt_camera

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket = "alpaca"

	defaultMQTTHost  = "localhost"
	defaultMQTTPort  = 1883
	defaultTopicRoot = "camera"
)

type MQTTConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

// Broker returns the broker URL.
func (c MQTTConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func (c MQTTConfig) topic(name string) string {
	return strings.TrimSuffix(c.TopicRoot, "/") + "/" + name
}

type Config struct {
	MQTTConfig
	ClientID       string `json:"client_id"`
	ConnectTimeout int    `json:"connect_timeout"` // seconds
}

var defaultConfig = Config{
	MQTTConfig: MQTTConfig{
		Host:      defaultMQTTHost,
		Port:      defaultMQTTPort,
		TopicRoot: defaultTopicRoot,
	},
	ConnectTimeout: 5,
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if strings.Trim(c.TopicRoot, "/") == "" {
		return fmt.Errorf("topic root cannot be empty")
	}
	if strings.ContainsAny(c.TopicRoot, "#+") {
		return fmt.Errorf("topic root cannot contain wildcards")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %d", c.ConnectTimeout)
	}
	return nil
}

type store struct {
	db  *bolt.DB
	key []byte
}

// NewStore creates the settings store of camera number and sets default
// values if they are not already set.
func NewStore(db *bolt.DB, number int) (*store, error) {
	st := store{
		db:  db,
		key: []byte(fmt.Sprintf("mqtt_camera_%d", number)),
	}

	if err := st.setDefaults(number); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults(number int) error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default MQTT camera config")
		cfg := defaultConfig
		cfg.ClientID = fmt.Sprintf("alpaca-camera-%d", number)
		return s.SetConfig(cfg)
	}
	return nil
}

// SetConfig saves the camera configuration as a json string in the database.
func (s *store) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(s.key, value)
	})
}

// GetConfig retrieves the camera configuration from the database.
func (s *store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get(s.key)
		if value == nil {
			return fmt.Errorf("key %s not found", s.key)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
