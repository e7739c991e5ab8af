package app

import (
	"fmt"
	"strings"

	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/mqttpub"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options holds every process-level setting. Each flag can also be set
// from the environment: --ha-url is HA_URL, --mqtt-broker is MQTT_BROKER.
type Options struct {
	EnvFile      string
	HAURL        string
	HAToken      string
	DVLAAPIKey   string
	DVLAEndpoint string
	ConfigFile   string
	ListenAddr   string
	ReadOnly     bool
	LogLevel     string
	MQTT         mqttpub.Config
}

// NewOptions returns options with defaults applied
func NewOptions() *Options {
	return &Options{
		EnvFile:      ".env",
		DVLAEndpoint: dvla.DefaultEndpoint,
		ConfigFile:   "vehicles.yaml",
		ListenAddr:   ":8081",
		LogLevel:     "info",
		MQTT:         mqttpub.Config{TopicPrefix: "vehiclecheck"},
	}
}

// AddFlags registers the persistent flags shared by every subcommand
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.EnvFile, "env-file", o.EnvFile, "Dotenv file loaded before flags and environment are read.")
	fs.StringVar(&o.HAURL, "ha-url", o.HAURL, "Home Assistant websocket url, e.g. ws://homeassistant.local:8123/api/websocket.")
	fs.StringVar(&o.HAToken, "ha-token", o.HAToken, "Home Assistant long-lived access token.")
	fs.StringVar(&o.DVLAAPIKey, "dvla-api-key", o.DVLAAPIKey, "Default DVLA Vehicle Enquiry API key.")
	fs.StringVar(&o.DVLAEndpoint, "dvla-endpoint", o.DVLAEndpoint, "DVLA Vehicle Enquiry API endpoint.")
	fs.StringVar(&o.ConfigFile, "config-file", o.ConfigFile, "Path to the vehicles YAML file.")
	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "Address the HTTP API listens on.")
	fs.BoolVar(&o.ReadOnly, "read-only", o.ReadOnly, "Query calendars but never create events.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Minimum log level: debug, info, warn, error.")
	fs.StringVar(&o.MQTT.BrokerURL, "mqtt-broker", o.MQTT.BrokerURL, "MQTT broker url, e.g. mqtt://localhost:1883. Publishing is off when empty.")
	fs.StringVar(&o.MQTT.ClientID, "mqtt-client-id", o.MQTT.ClientID, "MQTT client id.")
	fs.StringVar(&o.MQTT.Username, "mqtt-username", o.MQTT.Username, "MQTT username.")
	fs.StringVar(&o.MQTT.Password, "mqtt-password", o.MQTT.Password, "MQTT password.")
	fs.StringVar(&o.MQTT.TopicPrefix, "mqtt-topic-prefix", o.MQTT.TopicPrefix, "Prefix for every published topic.")

	_ = fs.MarkHidden("dvla-endpoint")
}

// Complete reads the bound viper values back into the options, so that
// environment variables fill anything not given on the command line.
func (o *Options) Complete(v *viper.Viper) {
	o.HAURL = v.GetString("ha-url")
	o.HAToken = v.GetString("ha-token")
	o.DVLAAPIKey = v.GetString("dvla-api-key")
	o.DVLAEndpoint = v.GetString("dvla-endpoint")
	o.ConfigFile = v.GetString("config-file")
	o.ListenAddr = v.GetString("listen-addr")
	o.ReadOnly = v.GetBool("read-only")
	o.LogLevel = v.GetString("log-level")
	o.MQTT.BrokerURL = v.GetString("mqtt-broker")
	o.MQTT.ClientID = v.GetString("mqtt-client-id")
	o.MQTT.Username = v.GetString("mqtt-username")
	o.MQTT.Password = v.GetString("mqtt-password")
	o.MQTT.TopicPrefix = v.GetString("mqtt-topic-prefix")
}

// ValidateDaemon checks the settings the long-running command needs
func (o *Options) ValidateDaemon() error {
	if o.HAURL == "" || o.HAToken == "" {
		return fmt.Errorf("HA_URL and HA_TOKEN must be set")
	}
	if o.ConfigFile == "" {
		return fmt.Errorf("CONFIG_FILE must be set")
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level
func (o *Options) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.LogLevel, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// newViper returns a viper instance reading FLAG_NAME style environment variables
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}
