// Package config reads the service settings from the environment and the
// widget descriptors from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

// Event transports.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
	TransportKafka     = "kafka"
	TransportNone      = "none"
)

type Config struct {
	Port          string
	BackendURL    string
	DashboardFile string
	LogLevel      string

	HTTPTimeout       time.Duration
	CacheTTL          time.Duration
	TelemetryCapacity int
	SweepEvery        time.Duration
	InflightCapacity  int
	RefreshWindow     time.Duration
	PollInterval      time.Duration
	ProcessedCap      int
	StreamBuffer      int
	Categories        []string

	BreakerFailures int
	BreakerOpenFor  time.Duration
	BreakerInterval time.Duration

	EventTransport string
	// CommandTransport is "rest" or "mqtt".
	CommandTransport string

	MQTTHost        string
	MQTTPort        string
	MQTTUser        string
	MQTTPassword    string
	MQTTTopics      []string
	MQTTCommandRoot string
	MQTTQoS         int

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Influx, when InfluxURL is set, replaces the REST telemetry endpoint.
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

// getenvDuration accepts Go durations ("1500ms") or plain milliseconds.
func getenvDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return d
}

func getenvList(k string, d []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:          getenv("PORT", "5010"),
		BackendURL:    getenv("BACKEND_URL", "http://localhost:9375"),
		DashboardFile: getenv("DASHBOARD_FILE", "dashboard.yaml"),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		HTTPTimeout:       getenvDuration("HTTP_TIMEOUT", 10*time.Second),
		CacheTTL:          getenvDuration("CACHE_TTL", 5*time.Second),
		TelemetryCapacity: getenvInt("TELEMETRY_CACHE_SIZE", 50),
		SweepEvery:        getenvDuration("CACHE_SWEEP", time.Minute),
		InflightCapacity:  getenvInt("INFLIGHT_MAX", 100),
		RefreshWindow:     getenvDuration("REFRESH_DEBOUNCE", 2*time.Second),
		PollInterval:      getenvDuration("POLL_INTERVAL", 30*time.Second),
		ProcessedCap:      getenvInt("PROCESSED_EVENTS_MAX", 1000),
		StreamBuffer:      getenvInt("EVENT_BUFFER", 1000),
		Categories:        getenvList("EVENT_CATEGORIES", []string{model.CategoryDevice}),

		BreakerFailures: getenvInt("CB_FAILS", 5),
		BreakerOpenFor:  getenvDuration("CB_OPEN", 10*time.Second),
		BreakerInterval: getenvDuration("CB_INTERVAL", 0),

		EventTransport:   getenv("EVENT_TRANSPORT", TransportWebSocket),
		CommandTransport: getenv("COMMAND_TRANSPORT", "rest"),

		MQTTHost:        getenv("MQTT_HOST", "localhost"),
		MQTTPort:        getenv("MQTT_PORT", "1883"),
		MQTTUser:        getenv("MQTT_USER", ""),
		MQTTPassword:    getenv("MQTT_PASSWORD", ""),
		MQTTTopics:      getenvList("MQTT_TOPICS", []string{"events/#"}),
		MQTTCommandRoot: getenv("MQTT_COMMAND_ROOT", "devices"),
		MQTTQoS:         getenvInt("MQTT_QOS", 1),

		KafkaBrokers: getenvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:   getenv("KAFKA_TOPIC", "device-events"),
		KafkaGroupID: getenv("KAFKA_GROUP", "dashfeed"),

		InfluxURL:         getenv("INFLUX_URL", ""),
		InfluxToken:       getenv("INFLUX_TOKEN", ""),
		InfluxOrg:         getenv("INFLUX_ORG", "dashfeed"),
		InfluxBucket:      getenv("INFLUX_BUCKET", "telemetry"),
		InfluxMeasurement: getenv("INFLUX_MEASUREMENT", "telemetry"),
	}
}

// Dashboard is the descriptor file.
type Dashboard struct {
	Widgets []model.Descriptor `yaml:"widgets"`
}

// LoadDashboard reads and validates the widget descriptors in path.
func LoadDashboard(path string) (Dashboard, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Dashboard{}, fmt.Errorf("read dashboard: %w", err)
	}
	return ParseDashboard(b)
}

func ParseDashboard(b []byte) (Dashboard, error) {
	var d Dashboard
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Dashboard{}, fmt.Errorf("parse dashboard: %w", err)
	}
	seen := map[string]bool{}
	for _, w := range d.Widgets {
		if err := w.Validate(); err != nil {
			return Dashboard{}, err
		}
		if seen[w.ID] {
			return Dashboard{}, fmt.Errorf("duplicate widget id %q", w.ID)
		}
		seen[w.ID] = true
	}
	return d, nil
}
