package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/rs/zerolog/log"
)

// Extension bundles the installables and listeners of one feature.
type Extension struct {
	Name         string
	Installables []interception.Installable
	Listeners    []event.Listener
}

// ExtensionFactory builds an extension against the agent's runtime.
type ExtensionFactory func(Runtime) (Extension, error)

// Discoverer resolves the extensions enabled at path.
type Discoverer interface {
	Discover(path string, rt Runtime) ([]Extension, error)
}

// DirDiscoverer enables compiled-in extensions by name: an extension is
// loaded when the extension directory has an entry with its name, with or
// without a file extension. Entries with no registered factory are logged
// and skipped.
type DirDiscoverer struct {
	factories map[string]ExtensionFactory
}

func NewDirDiscoverer() *DirDiscoverer {
	return &DirDiscoverer{factories: make(map[string]ExtensionFactory)}
}

// Register makes the extension name available for discovery.
func (d *DirDiscoverer) Register(name string, f ExtensionFactory) *DirDiscoverer {
	d.factories[name] = f
	return d
}

// Discover builds the extensions enabled in path, in directory order. A
// failing factory is logged and skipped.
func (d *DirDiscoverer) Discover(path string, rt Runtime) ([]Extension, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("agent: reading extension path: %w", err)
	}

	seen := make(map[string]bool)
	var exts []Extension
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if name == "" || seen[name] {
			continue
		}

		f, ok := d.factories[name]
		if !ok {
			log.Debug().Str("entry", entry.Name()).Msg("no extension registered for entry")
			continue
		}
		seen[name] = true

		ext, err := f(rt)
		if err != nil {
			log.Error().Err(err).Str("extension", name).Msg("failed to build extension")
			continue
		}
		if ext.Name == "" {
			ext.Name = name
		}
		exts = append(exts, ext)
	}
	return exts, nil
}
