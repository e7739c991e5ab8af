package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/dvla"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultScanInterval is used when an entry does not set scan_interval
const DefaultScanInterval = 21600

// VehiclesConfig represents the vehicles.yaml structure
type VehiclesConfig struct {
	// APIKey is the default key for entries that do not set their own
	APIKey   string  `yaml:"api_key"`
	Vehicles []Entry `yaml:"vehicles"`
}

// Entry is one polled vehicle
type Entry struct {
	ID           string   `yaml:"id" json:"id"`
	RegNumber    string   `yaml:"reg_number" json:"reg_number"`
	APIKey       string   `yaml:"api_key" json:"-"`
	ScanInterval int      `yaml:"scan_interval" json:"scan_interval"`
	Calendars    []string `yaml:"calendars" json:"calendars"`
}

// Request converts the entry into an immutable lookup request
func (e Entry) Request() dvla.LookupRequest {
	return dvla.LookupRequest{
		Registration: e.RegNumber,
		APIKey:       e.APIKey,
		Interval:     time.Duration(e.ScanInterval) * time.Second,
		Calendars:    append([]string(nil), e.Calendars...),
	}
}

// Standalone reports whether the entry asks for its own calendar
func (e Entry) Standalone() bool {
	for _, c := range e.Calendars {
		if c == calendar.NoneSentinel {
			return true
		}
	}
	return false
}

// Equal reports whether two entries would build identical coordinators
func (e Entry) Equal(other Entry) bool {
	if e.ID != other.ID || e.RegNumber != other.RegNumber || e.APIKey != other.APIKey ||
		e.ScanInterval != other.ScanInterval || len(e.Calendars) != len(other.Calendars) {
		return false
	}
	for i := range e.Calendars {
		if e.Calendars[i] != other.Calendars[i] {
			return false
		}
	}
	return true
}

var (
	// ErrDuplicateRegistration is returned when two entries poll the same vehicle
	ErrDuplicateRegistration = errors.New("registration already configured")
	// ErrMissingAPIKey is returned when neither the entry nor a default supplies a key
	ErrMissingAPIKey = errors.New("api key required")
)

// Normalize validates the config, fills defaults and uppercases registrations.
// fallbackKey is used when neither the entry nor the file sets api_key.
func (c *VehiclesConfig) Normalize(fallbackKey string) error {
	defaultKey := strings.TrimSpace(c.APIKey)
	if defaultKey == "" {
		defaultKey = strings.TrimSpace(fallbackKey)
	}

	seen := make(map[string]string)
	ids := make(map[string]bool)
	for i := range c.Vehicles {
		entry := &c.Vehicles[i]

		entry.RegNumber = dvla.NormalizeRegistration(entry.RegNumber)
		if entry.RegNumber == "" {
			return fmt.Errorf("vehicle %d: reg_number is required", i)
		}
		if other, ok := seen[entry.RegNumber]; ok {
			return fmt.Errorf("vehicle %d (%s): %w (entry %s)", i, entry.RegNumber, ErrDuplicateRegistration, other)
		}

		if entry.ID == "" {
			entry.ID = strings.ToLower(entry.RegNumber)
		}
		if ids[entry.ID] {
			return fmt.Errorf("vehicle %d: duplicate id %q", i, entry.ID)
		}
		ids[entry.ID] = true
		seen[entry.RegNumber] = entry.ID

		entry.APIKey = strings.TrimSpace(entry.APIKey)
		if entry.APIKey == "" {
			entry.APIKey = defaultKey
		}
		if entry.APIKey == "" {
			return fmt.Errorf("vehicle %s: %w", entry.RegNumber, ErrMissingAPIKey)
		}

		switch {
		case entry.ScanInterval == 0:
			entry.ScanInterval = DefaultScanInterval
		case entry.ScanInterval < 0:
			return fmt.Errorf("vehicle %s: scan_interval must be positive, got %d", entry.RegNumber, entry.ScanInterval)
		}

		calendars := make([]string, 0, len(entry.Calendars))
		for _, cal := range entry.Calendars {
			cal = strings.TrimSpace(cal)
			if cal != "" {
				calendars = append(calendars, cal)
			}
		}
		entry.Calendars = calendars
	}
	return nil
}

// Loader manages loading and reloading of the vehicles file
type Loader struct {
	path        string
	fallbackKey string
	logger      *zap.Logger

	mu     sync.RWMutex
	config *VehiclesConfig
}

// NewLoader creates a new configuration loader. fallbackKey is the API key
// used for entries without one when the file has no default either.
func NewLoader(path, fallbackKey string, logger *zap.Logger) *Loader {
	return &Loader{
		path:        path,
		fallbackKey: fallbackKey,
		logger:      logger.Named("config"),
	}
}

// Path returns the watched file
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the vehicles file. On error the previously
// loaded config is kept.
func (l *Loader) Load() error {
	l.logger.Debug("Loading vehicles config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read vehicles config: %w", err)
	}

	var config VehiclesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse vehicles config: %w", err)
	}

	if err := config.Normalize(l.fallbackKey); err != nil {
		return fmt.Errorf("invalid vehicles config: %w", err)
	}

	l.mu.Lock()
	l.config = &config
	l.mu.Unlock()

	l.logger.Info("Vehicles config loaded successfully",
		zap.Int("vehicles", len(config.Vehicles)))
	return nil
}

// Entries returns a copy of the loaded entries
func (l *Loader) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.config == nil {
		return nil
	}
	out := make([]Entry, len(l.config.Vehicles))
	copy(out, l.config.Vehicles)
	return out
}

// DefaultAPIKey returns the key used for on-demand lookups without an explicit key
func (l *Loader) DefaultAPIKey() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.config != nil && strings.TrimSpace(l.config.APIKey) != "" {
		return strings.TrimSpace(l.config.APIKey)
	}
	return l.fallbackKey
}
