package platform

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
)

// Factory builds an adapter for one configured platform. Transport packages
// register themselves by kind, the way database/sql drivers do; the core
// never links a concrete transport.
type Factory func(cfg config.PlatformConfig, log *logger.Logger) (Adapter, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory binds a platform kind ("mattermost", "slack") to its
// transport constructor. Later registrations for the same kind win, so a
// build can override a transport.
func RegisterFactory(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[strings.ToLower(kind)] = factory
}

// NewAdapter builds the adapter for one platform config.
func NewAdapter(cfg config.PlatformConfig, log *logger.Logger) (Adapter, error) {
	factoryMu.RLock()
	factory, ok := factories[strings.ToLower(cfg.Kind)]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for platform kind %q (registered: %s)",
			cfg.Kind, strings.Join(RegisteredKinds(), ", "))
	}
	return factory(cfg, log)
}

// RegisteredKinds lists the available transport kinds, sorted.
func RegisteredKinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
