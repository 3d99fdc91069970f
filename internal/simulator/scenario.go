// Package simulator generates synthetic traffic, benign and hostile, and
// replays it against a guard engine or a running guard service.
package simulator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Step is one simulated request or host-reported event. Offset is relative
// to the start of the scenario.
type Step struct {
	Offset  time.Duration
	Request model.RequestContext
	Payload any
	// Event, when set, is reported through RecordEvent after the request.
	Event *model.AuditEvent
}

// Scenario produces a deterministic sequence of steps from the faker.
type Scenario interface {
	Name() string
	Description() string
	Generate(f *gofakeit.Faker) []Step
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Scenario)
)

// Register adds a scenario to the registry. Duplicate names panic.
func Register(s Scenario) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[s.Name()]; dup {
		panic(fmt.Sprintf("simulator: scenario %q registered twice", s.Name()))
	}
	registry[s.Name()] = s
}

// Get returns a registered scenario.
func Get(name string) (Scenario, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// List returns all registered scenarios sorted by name.
func List() []Scenario {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered scenario names.
func Names() []string {
	scenarios := List()
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name()
	}
	return names
}
