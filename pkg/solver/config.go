package solver

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/dersched/pkg/types"
)

// Config is the solver selected on the command line.
type Config struct {
	Solver    Solver
	TimeLimit time.Duration
	// LogDir, when set, receives one log file per solved model.
	LogDir string
}

// Options returns the options for a model with the given name.
func (c *Config) Options(name string) Options {
	opts := Options{TimeLimit: c.TimeLimit}
	if c.LogDir != "" {
		opts.LogFile = filepath.Join(c.LogDir, name+".lp")
	}
	return opts
}

// Validate checks that the selected solver can honor the configuration.
func (c *Config) Validate() error {
	if c.Solver == nil {
		return fmt.Errorf("%w: no solver selected", types.ErrConfiguration)
	}
	return CheckOptions(c.Solver, c.Options("validate"))
}

// Configured sets up the solver based on flags.
func Configured() *Config {
	name := lflag.String("solver", "ipm", "LP solver to use (available: ipm, simplex)")
	timeLimit := lflag.Duration("solver-time-limit", 0, "Time limit for each horizon segment (0 for none)")
	logDir := lflag.String("solver-log-dir", "", "Directory to write one solver log file per horizon segment")

	c := &Config{}
	lflag.Do(func() {
		s, err := Default().Get(*name)
		if err != nil {
			panic(err.Error())
		}
		c.Solver = s
		c.TimeLimit = *timeLimit
		c.LogDir = *logDir
		if err := c.Validate(); err != nil {
			panic(err.Error())
		}
	})
	return c
}

// Map is a registry of solvers by name.
type Map struct {
	mu      sync.Mutex
	solvers map[string]Solver
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		solvers: make(map[string]Solver),
	}
}

var defaultMap = sync.OnceValue(func() *Map {
	m := NewMap()
	m.Register(NewInteriorPoint())
	m.Register(NewSimplex())
	return m
})

// Default returns the registry of built-in solvers.
func Default() *Map {
	return defaultMap()
}

// Register adds or replaces a solver.
func (m *Map) Register(s Solver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solvers[s.Name()] = s
}

// Get returns the solver with the given name.
func (m *Map) Get(name string) (Solver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.solvers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown solver %q", types.ErrConfiguration, name)
	}
	return s, nil
}

// Names returns the registered solver names in order.
func (m *Map) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.solvers))
	for name := range m.solvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
