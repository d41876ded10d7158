package mqtt_camera

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting MQTT camera config: host=%s port=%d root=%s", cfg.Host, cfg.Port, cfg.TopicRoot)
		if err := d.store.SetConfig(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Number  int
		Success bool
		Error   string
	}{cfg, d.number, success, err}

	if err := d.tmpl.ExecuteTemplate(w, "mqtt_camera_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Host = strings.TrimSpace(r.FormValue("mqtt-host"))
	cfg.Username = r.FormValue("mqtt-username")
	cfg.Password = r.FormValue("mqtt-password")
	cfg.TopicRoot = strings.TrimSpace(r.FormValue("mqtt-topic-root"))
	cfg.ClientID = strings.TrimSpace(r.FormValue("mqtt-client-id"))

	port, err := strconv.Atoi(r.FormValue("mqtt-port"))
	if err != nil {
		return cfg, fmt.Errorf("invalid port: %v", err)
	}
	cfg.Port = port

	timeout, err := strconv.Atoi(r.FormValue("connect-timeout"))
	if err != nil {
		return cfg, fmt.Errorf("invalid connect timeout: %v", err)
	}
	cfg.ConnectTimeout = timeout

	return cfg, cfg.validate()
}
