package alpaca

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket          = "alpaca"
	serverConfigKey = "server_config"
)

// Config holds the server settings editable from the setup page.
type Config struct {
	ServerName string `json:"server_name"`
	Location   string `json:"location"`
}

type Store struct {
	db *bolt.DB
}

// NewStore creates a store for the server settings. defaults are saved
// unless settings were already stored.
func NewStore(db *bolt.DB, defaults Config) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(defaults); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults(defaults Config) error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default server config")
		return s.SetConfig(defaults)
	}
	return nil
}

// SetConfig saves the server configuration as a json string in the database.
func (s *Store) SetConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ServerName) == "" {
		return fmt.Errorf("server name cannot be empty")
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
		return b.Put([]byte(serverConfigKey), value)
	})
}

// GetConfig retrieves the server configuration from the database.
func (s *Store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(serverConfigKey))
		if value == nil {
			return fmt.Errorf("key %s not found", serverConfigKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
