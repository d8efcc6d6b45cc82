package opmon

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Global monitor instance
var (
	globalManager *Manager
	globalMutex   sync.Mutex
)

// Init initializes the process-wide manager and starts its loop
func Init(config Config) error {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalManager != nil {
		return ErrAlreadyStarted
	}

	mgr, err := NewManager(config)
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		mgr.Stop()
		return err
	}
	globalManager = mgr

	mgr.log.Info("opmon initialized",
		zap.String("session", config.Session),
		zap.String("application", config.Application),
		zap.String("facility", config.FacilityURI))
	return nil
}

// Register attaches a node to the process-wide manager
func Register(name string, h *Handle) error {
	mgr := Global()
	if mgr == nil {
		return fmt.Errorf("register %q: %w", name, ErrNotInitialized)
	}
	return mgr.RegisterNode(name, h)
}

// Collect runs a collection pass on the process-wide manager
func Collect() (TreeInfo, error) {
	mgr := Global()
	if mgr == nil {
		return TreeInfo{}, ErrNotInitialized
	}
	return mgr.collectAndPublish(), nil
}

// Global returns the process-wide manager, nil before Init
func Global() *Manager {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	return globalManager
}

// Shutdown stops the process-wide manager
func Shutdown() {
	globalMutex.Lock()
	mgr := globalManager
	globalManager = nil
	globalMutex.Unlock()

	if mgr != nil {
		mgr.Stop()
		mgr.Release()
	}
}
