// Package database owns the named SQL connections the banker service holds open
// for its lifetime. No schema is applied here.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	// sqlite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

type connection struct {
	name   string
	driver string
	dsn    string
	db     *sql.DB
}

// Manager opens, pings and closes a fixed set of named connections.
type Manager struct {
	mu     sync.RWMutex
	conns  []*connection
	byName map[string]*connection
	logger *zap.Logger
}

// NewManager returns an empty Manager. A nil logger is replaced with a no-op one.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{byName: make(map[string]*connection), logger: logger}
}

// AddConnection declares a connection to open on Initialize.
func (m *Manager) AddConnection(name, driver, dsn string) error {
	if strings.TrimSpace(name) == "" || driver == "" || dsn == "" {
		return fmt.Errorf("add connection: %w", berr.ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return fmt.Errorf("add connection %q: %w", name, berr.ErrInvalidConfig)
	}

	c := &connection{name: name, driver: driver, dsn: dsn}
	m.conns = append(m.conns, c)
	m.byName[name] = c

	return nil
}

// Initialize opens and pings every declared connection in order. On the first
// failure the connections opened so far are closed again.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.conns {
		if c.db != nil {
			continue
		}

		db, err := sql.Open(c.driver, c.dsn)
		if err == nil {
			err = db.PingContext(ctx)
			if err != nil {
				_ = db.Close()
			}
		}

		if err != nil {
			for _, prev := range m.conns[:i] {
				if prev.db != nil {
					_ = prev.db.Close()
					prev.db = nil
				}
			}

			return fmt.Errorf("open %s connection %q: %w", c.driver, c.name, err)
		}

		c.db = db
		m.logger.Info("database connected", zap.String("name", c.name), zap.String("driver", c.driver))
	}

	return nil
}

// DB returns the open handle for name.
func (m *Manager) DB(name string) (*sql.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byName[name]
	if !ok || c.db == nil {
		return nil, fmt.Errorf("database %q: %w", name, berr.ErrInvalidState)
	}

	return c.db, nil
}

// Shutdown closes every open connection and reports all close failures.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for i := len(m.conns) - 1; i >= 0; i-- {
		c := m.conns[i]
		if c.db == nil {
			continue
		}

		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", c.name, err))
		}

		c.db = nil
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{berr.ErrShutdown}, errs...)...)
	}

	return nil
}
