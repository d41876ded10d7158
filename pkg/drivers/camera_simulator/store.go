package camera_simulator

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket = "alpaca"

	defaultWidth        = 1280
	defaultHeight       = 960
	defaultPixelSize    = 3.75
	defaultExposureMin  = 0.001
	defaultExposureMax  = 3600
	defaultGainMax      = 100
	defaultOffsetMax    = 255
	defaultFullWell     = 20000
	defaultAmbientTempC = 20
)

// SimulatorConfig holds the simulated sensor settings.
type SimulatorConfig struct {
	Width        int     `json:"width"`          // pixels
	Height       int     `json:"height"`         // pixels
	PixelSize    float64 `json:"pixel_size"`     // microns
	ExposureMin  float64 `json:"exposure_min"`   // seconds
	ExposureMax  float64 `json:"exposure_max"`   // seconds
	GainMin      int     `json:"gain_min"`       // 0 and 0 for no gain control
	GainMax      int     `json:"gain_max"`       //
	OffsetMin    int     `json:"offset_min"`     // 0 and 0 for no offset control
	OffsetMax    int     `json:"offset_max"`     //
	FullWell     float64 `json:"full_well"`      // electrons
	BayerPattern string  `json:"bayer_pattern"`  // empty for a monochrome sensor
	Cooler       bool    `json:"cooler"`         // sensor has a regulated cooler
	AmbientTempC float64 `json:"ambient_temp_c"` // temperature with the cooler off
	FramesDir    string  `json:"frames_dir"`     // directory watched for images, optional
}

var defaultConfig = SimulatorConfig{
	Width:        defaultWidth,
	Height:       defaultHeight,
	PixelSize:    defaultPixelSize,
	ExposureMin:  defaultExposureMin,
	ExposureMax:  defaultExposureMax,
	GainMax:      defaultGainMax,
	OffsetMax:    defaultOffsetMax,
	FullWell:     defaultFullWell,
	Cooler:       true,
	AmbientTempC: defaultAmbientTempC,
}

func (c SimulatorConfig) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid sensor size: %dx%d", c.Width, c.Height)
	}
	if c.PixelSize <= 0 {
		return fmt.Errorf("invalid pixel size: %g", c.PixelSize)
	}
	if c.ExposureMin < 0 || c.ExposureMax <= c.ExposureMin {
		return fmt.Errorf("invalid exposure range: %g..%g", c.ExposureMin, c.ExposureMax)
	}
	if c.GainMin > c.GainMax {
		return fmt.Errorf("invalid gain range: %d..%d", c.GainMin, c.GainMax)
	}
	if c.OffsetMin > c.OffsetMax {
		return fmt.Errorf("invalid offset range: %d..%d", c.OffsetMin, c.OffsetMax)
	}
	switch c.BayerPattern {
	case "", "RGGB", "GRBG", "GBRG", "BGGR":
	default:
		return fmt.Errorf("invalid bayer pattern: %q", c.BayerPattern)
	}
	return nil
}

type store struct {
	db  *bolt.DB
	key []byte
}

// NewStore creates the settings store of simulator number and sets default
// values if they are not already set.
func NewStore(db *bolt.DB, number int) (*store, error) {
	st := store{
		db:  db,
		key: []byte(fmt.Sprintf("camera_simulator_%d", number)),
	}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default camera simulator config")
		return s.SetConfig(defaultConfig)
	}
	return nil
}

// SetConfig saves the simulator configuration as a json string in the database.
func (s *store) SetConfig(cfg SimulatorConfig) error {
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

// GetConfig retrieves the simulator configuration from the database.
func (s *store) GetConfig() (SimulatorConfig, error) {
	var cfg SimulatorConfig

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
