// Package vehicle wires configured entries to their coordinators and entities.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/config"
	"vehiclecheck/internal/coordinator"
	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/entities"

	"go.uber.org/zap"
)

// ErrNoAPIKey is returned by Lookup when no key was given and none is configured
var ErrNoAPIKey = errors.New("no API key supplied and no default configured")

// Publisher pushes entity state somewhere outside the process
type Publisher interface {
	Publish(ctx context.Context, src entities.Source) error
}

// TargetChecker validates configured calendar targets
type TargetChecker interface {
	CheckTargets(targets []string) []string
}

// Vehicle is one configured entry and everything built for it
type Vehicle struct {
	Entry       config.Entry
	Coordinator *coordinator.Coordinator

	mu       sync.RWMutex
	sources  []entities.Source
	calendar *entities.Calendar
	cleanup  []func()
}

// Sources returns the entities built for the vehicle. The list is empty until
// the first successful refresh.
func (v *Vehicle) Sources() []entities.Source {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]entities.Source(nil), v.sources...)
}

// Calendar returns the standalone calendar, or nil when the entry has no None target
func (v *Vehicle) Calendar() *entities.Calendar {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.calendar
}

// Manager owns the map from entry id to vehicle
type Manager struct {
	fetcher    dvla.Fetcher
	reconciler coordinator.Reconciler
	checker    TargetChecker
	publisher  Publisher
	clock      clock.Clock
	logger     *zap.Logger
	defaultKey func() string

	mu       sync.RWMutex
	vehicles map[string]*Vehicle
}

// Option configures a Manager
type Option func(*Manager)

// WithPublisher publishes every entity update through p
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithTargetChecker validates calendar targets when an entry is added
func WithTargetChecker(c TargetChecker) Option {
	return func(m *Manager) {
		m.checker = c
	}
}

// WithDefaultKey sets the API key source for on-demand lookups
func WithDefaultKey(f func() string) Option {
	return func(m *Manager) {
		m.defaultKey = f
	}
}

// NewManager creates a manager. reconciler may be nil to disable calendar mirroring.
func NewManager(fetcher dvla.Fetcher, reconciler coordinator.Reconciler, clk clock.Clock, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		fetcher:    fetcher,
		reconciler: reconciler,
		clock:      clk,
		logger:     logger.Named("vehicle"),
		defaultKey: func() string { return "" },
		vehicles:   make(map[string]*Vehicle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start sets up every entry: initial refresh, entities, then polling.
// A failing initial refresh is logged; the entry keeps polling.
func (m *Manager) Start(ctx context.Context, entries []config.Entry) {
	m.logger.Info("Starting vehicle manager", zap.Int("entries", len(entries)))
	for _, entry := range entries {
		m.add(ctx, entry)
	}
}

// Stop stops polling for every vehicle
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, v := range m.vehicles {
		m.teardown(v)
		delete(m.vehicles, id)
	}
	m.logger.Info("Vehicle manager stopped")
}

// Apply reconciles running vehicles with a new entry list. Changed entries
// are torn down and re-created since a lookup request is immutable.
func (m *Manager) Apply(ctx context.Context, entries []config.Entry) {
	wanted := make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		wanted[e.ID] = e
	}

	m.mu.Lock()
	var toAdd []config.Entry
	for id, v := range m.vehicles {
		e, ok := wanted[id]
		if ok && e.Equal(v.Entry) {
			continue
		}
		m.logger.Info("Removing vehicle", zap.String("id", id), zap.Bool("changed", ok))
		m.teardown(v)
		delete(m.vehicles, id)
	}
	for _, e := range entries {
		if _, ok := m.vehicles[e.ID]; !ok {
			toAdd = append(toAdd, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toAdd {
		m.add(ctx, e)
	}
}

func (m *Manager) add(ctx context.Context, entry config.Entry) {
	logger := m.logger.With(zap.String("id", entry.ID), zap.String("registration", entry.RegNumber))

	if m.checker != nil {
		if problems := m.checker.CheckTargets(entry.Calendars); len(problems) > 0 {
			logger.Warn("Some calendar targets cannot receive reminders", zap.Strings("calendars", problems))
		}
	}

	v := &Vehicle{
		Entry:       entry,
		Coordinator: coordinator.New(entry.Request(), m.fetcher, m.reconciler, m.clock, m.logger),
	}
	v.cleanup = append(v.cleanup, v.Coordinator.AddListener(func() {
		m.buildSources(ctx, v)
	}))

	m.mu.Lock()
	m.vehicles[entry.ID] = v
	m.mu.Unlock()

	if _, err := v.Coordinator.Refresh(ctx); err != nil {
		logger.Warn("Initial refresh failed", zap.Error(err))
	}

	v.Coordinator.Start(ctx)
}

// buildSources creates entities from the first successful record
func (m *Manager) buildSources(ctx context.Context, v *Vehicle) {
	if !v.Coordinator.Available() {
		return
	}

	v.mu.Lock()
	if v.sources != nil {
		v.mu.Unlock()
		return
	}
	v.sources = entities.Build(v.Entry.RegNumber, v.Coordinator, m.clock, v.Entry.Standalone())
	for _, src := range v.sources {
		if cal, ok := src.(*entities.Calendar); ok {
			v.calendar = cal
		}
	}
	sources := append([]entities.Source(nil), v.sources...)
	v.mu.Unlock()

	m.logger.Info("Entities created",
		zap.String("id", v.Entry.ID),
		zap.Int("count", len(sources)))

	if m.publisher == nil {
		return
	}
	for _, src := range sources {
		remove := src.Subscribe(func(s entities.Source) {
			m.publish(ctx, s)
		})
		v.mu.Lock()
		v.cleanup = append(v.cleanup, remove)
		v.mu.Unlock()
		m.publish(ctx, src)
	}
}

func (m *Manager) publish(ctx context.Context, src entities.Source) {
	if err := m.publisher.Publish(ctx, src); err != nil {
		m.logger.Warn("Failed to publish entity", zap.String("entity", src.ID()), zap.Error(err))
	}
}

func (m *Manager) teardown(v *Vehicle) {
	v.Coordinator.Stop()
	v.mu.Lock()
	cleanup := v.cleanup
	v.cleanup = nil
	v.mu.Unlock()
	for _, f := range cleanup {
		f()
	}
}

// Get returns the vehicle for an entry id
func (m *Manager) Get(id string) (*Vehicle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	return v, ok
}

// List returns every vehicle ordered by entry id
func (m *Manager) List() []*Vehicle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ID < out[j].Entry.ID })
	return out
}

// Lookup performs an on-demand lookup that bypasses every coordinator.
// An empty apiKey falls back to the configured default.
func (m *Manager) Lookup(ctx context.Context, registration, apiKey string) (dvla.Record, error) {
	reg := dvla.NormalizeRegistration(registration)
	if reg == "" {
		return nil, fmt.Errorf("registration number is required")
	}

	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = m.defaultKey()
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}

	return m.fetcher.Lookup(ctx, reg, key)
}
