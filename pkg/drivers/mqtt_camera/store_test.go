package mqtt_camera

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDefaults(t *testing.T) {
	d := newTestDriver(t)

	cfg, err := d.store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 1883, cfg.Port)
	assert.Equal(t, "camera", cfg.TopicRoot)
	assert.Equal(t, "alpaca-camera-2", cfg.ClientID)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker())
	assert.Equal(t, "camera/info", cfg.topic(topicInfo))
}

func TestTopicRoot(t *testing.T) {
	cfg := MQTTConfig{TopicRoot: "observatory/cam1/"}
	assert.Equal(t, "observatory/cam1/image", cfg.topic(topicImage))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"port", func(c *Config) { c.Port = 70000 }},
		{"empty root", func(c *Config) { c.TopicRoot = "/" }},
		{"wildcard root", func(c *Config) { c.TopicRoot = "camera/#" }},
		{"timeout", func(c *Config) { c.ConnectTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig
			tc.modify(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func setupRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandleSetup(t *testing.T) {
	d := newTestDriver(t)

	rec := httptest.NewRecorder()
	d.HandleSetup(rec, httptest.NewRequest(http.MethodGet, "/setup", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="mqtt-host" value="localhost"`)

	form := url.Values{
		"mqtt-host":       {" broker.local "},
		"mqtt-port":       {"8883"},
		"mqtt-username":   {"user"},
		"mqtt-password":   {"secret"},
		"mqtt-topic-root": {"obs/cam"},
		"mqtt-client-id":  {"alpaca-main"},
		"connect-timeout": {"10"},
	}
	rec = httptest.NewRecorder()
	d.HandleSetup(rec, setupRequest(form))
	assert.Contains(t, rec.Body.String(), "Settings saved")

	cfg, err := d.store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{
		MQTTConfig: MQTTConfig{
			Host:      "broker.local",
			Port:      8883,
			Username:  "user",
			Password:  "secret",
			TopicRoot: "obs/cam",
		},
		ClientID:       "alpaca-main",
		ConnectTimeout: 10,
	}, cfg)

	form.Set("mqtt-port", "port")
	rec = httptest.NewRecorder()
	d.HandleSetup(rec, setupRequest(form))
	assert.Contains(t, rec.Body.String(), "invalid port")

	form.Set("mqtt-port", "1883")
	form.Set("mqtt-topic-root", "obs/+")
	rec = httptest.NewRecorder()
	d.HandleSetup(rec, setupRequest(form))
	assert.Contains(t, rec.Body.String(), "topic root cannot contain wildcards")

	cfg, err = d.store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 8883, cfg.Port)
}
