package camera_simulator

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func (s *Simulator) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.logger.Infof("Setting simulator config: %+v", cfg)
		if err := s.store.SetConfig(cfg); err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Simulator) renderSetupForm(w http.ResponseWriter, cfg SimulatorConfig, success bool, err string) {
	data := struct {
		SimulatorConfig
		Number  int
		Success bool
		Error   string
	}{cfg, s.number, success, err}

	if err := s.tmpl.ExecuteTemplate(w, "camera_simulator_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (SimulatorConfig, error) {
	if err := r.ParseForm(); err != nil {
		return SimulatorConfig{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := SimulatorConfig{
		BayerPattern: strings.ToUpper(strings.TrimSpace(r.FormValue("bayer-pattern"))),
		Cooler:       r.FormValue("cooler") == "true",
		FramesDir:    strings.TrimSpace(r.FormValue("frames-dir")),
	}

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"width", &cfg.Width},
		{"height", &cfg.Height},
		{"gain-min", &cfg.GainMin},
		{"gain-max", &cfg.GainMax},
		{"offset-min", &cfg.OffsetMin},
		{"offset-max", &cfg.OffsetMax},
	}
	for _, f := range ints {
		if *f.dst, err = getFormInt(r, f.key); err != nil {
			return cfg, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"pixel-size", &cfg.PixelSize},
		{"exposure-min", &cfg.ExposureMin},
		{"exposure-max", &cfg.ExposureMax},
		{"full-well", &cfg.FullWell},
		{"ambient-temp", &cfg.AmbientTempC},
	}
	for _, f := range floats {
		if *f.dst, err = getFormFloat(r, f.key); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.validate()
}

func getFormInt(r *http.Request, key string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(r.FormValue(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return value, nil
}

func getFormFloat(r *http.Request, key string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue(key)), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return value, nil
}
