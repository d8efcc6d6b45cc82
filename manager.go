package opmon

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager is the root of a monitoring tree.
//
// It owns the facility built from Config.FacilityURI and, once started,
// collects the whole tree every Config.Interval. The TreeInfo of each pass
// is published by the root itself.
type Manager struct {
	*Handle

	config   Config
	facility Facility
	log      *zap.Logger

	mutex   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager and its facility
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log := config.logger()
	facility, err := NewFacility(config)
	if err != nil {
		return nil, fmt.Errorf("create facility: %w", err)
	}

	root := NewNode(nil,
		WithLevel(config.Level),
		WithFacility(facility),
		WithLogger(log))
	root.ident.Store(&identity{name: config.Application, parent: config.Session})

	return &Manager{
		Handle:   root,
		config:   config,
		facility: facility,
		log:      log,
	}, nil
}

// Start launches the periodic collection loop
func (m *Manager) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}

	interval := m.config.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.SetLevel(m.config.Level)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.collectAndPublish()
			case <-m.ctx.Done():
				return
			}
		}
	}()

	m.log.Info("Monitoring loop started",
		zap.String("id", m.ID()),
		zap.Duration("interval", interval),
		zap.Stringer("level", m.config.Level))
	return nil
}

// Stop ends the collection loop, runs a last collection and closes the
// facility. The tree publishes to NullFacility afterwards.
func (m *Manager) Stop() {
	m.mutex.Lock()
	wasRunning := m.running
	if m.running {
		m.cancel()
		m.running = false
	}
	m.mutex.Unlock()

	if wasRunning {
		m.wg.Wait()
		m.collectAndPublish()
	}

	m.mutex.Lock()
	facility := m.facility
	m.facility = NullFacility{}
	m.mutex.Unlock()

	// nothing in the tree may write to a closed facility
	m.SetFacility(nil)
	if c, ok := facility.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.log.Error("Failed to close facility", zap.Error(err))
		}
	}
	m.log.Info("Monitoring loop stopped", zap.String("id", m.ID()))
}

// Running reports whether the collection loop is active
func (m *Manager) Running() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

func (m *Manager) collectAndPublish() TreeInfo {
	info := m.Collect()
	m.Publish(info, "", LevelTopPriority)
	m.log.Debug("Tree collected",
		zap.Uint64("registered", info.RegisteredNodes),
		zap.Uint64("published", info.PublishedMeasurements),
		zap.Uint64("errors", info.Errors))
	return info
}
