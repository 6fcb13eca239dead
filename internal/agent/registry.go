// Package agent resolves the agent names used by plan steps to a closed set of
// profile kinds, and composes the task text handed to the executor.
package agent

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swarm/internal/errors"
)

// Kind is one of the closed set of agent profile variants.
type Kind string

const (
	KindPlanner     Kind = "planner"
	KindImplementer Kind = "implementer"
	KindTester      Kind = "tester"
	KindReviewer    Kind = "reviewer"
	KindDocumenter  Kind = "documenter"
	KindSecurity    Kind = "security"
)

// Kinds returns every profile kind.
func Kinds() []Kind {
	return []Kind{KindPlanner, KindImplementer, KindTester, KindReviewer, KindDocumenter, KindSecurity}
}

// Valid reports whether k is one of the closed set.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// Profile is a resolved agent: a name, its kind and the instructions
// prepended to every task it runs.
type Profile struct {
	Name         string `yaml:"name" json:"name"`
	Kind         Kind   `yaml:"kind" json:"kind"`
	Instructions string `yaml:"instructions" json:"instructions"`
}

var defaultInstructions = map[Kind]string{
	KindPlanner:     "You break work into small, verifiable changes. Write your analysis to the files you are asked to produce.",
	KindImplementer: "You implement the task in this repository. Keep changes focused, follow existing conventions, and commit your work.",
	KindTester:      "You write and run automated tests for the described behavior. Commit the tests you add.",
	KindReviewer:    "You review the existing changes for defects and fix what you find. Commit each fix.",
	KindDocumenter:  "You write or update documentation for the described change. Commit the documentation.",
	KindSecurity:    "You audit the described area for security problems and fix them. Commit each fix.",
}

// Registry maps agent names to profiles. It is safe for concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// DefaultRegistry returns a registry with one profile per kind, named after the kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range Kinds() {
		r.profiles[string(k)] = Profile{Name: string(k), Kind: k, Instructions: defaultInstructions[k]}
	}
	return r
}

// Register adds or replaces a profile. The profile kind must be valid.
func (r *Registry) Register(p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.NewValidationError("profile name must not be empty").WithField("name")
	}
	if !p.Kind.Valid() {
		return errors.NewValidationError(fmt.Sprintf("profile %q has unknown kind", p.Name)).
			WithField("kind").WithValue(p.Kind)
	}
	if p.Instructions == "" {
		p.Instructions = defaultInstructions[p.Kind]
	}
	r.mu.Lock()
	r.profiles[p.Name] = p
	r.mu.Unlock()
	return nil
}

// Resolve returns the profile for name, or an error wrapping ErrUnknownAgent.
func (r *Registry) Resolve(name string) (Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[name]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, errors.NewNotFoundError("agent", name).WithCause(errors.ErrUnknownAgent)
	}
	return p, nil
}

// Known implements plan.AgentResolver.
func (r *Registry) Known(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.profiles))
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadRegistry returns the default registry extended with the profiles in a
// YAML file of the form:
//
//	profiles:
//	  - name: api-builder
//	    kind: implementer
//	    instructions: ...
//
// An empty path returns the default registry.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	for _, p := range f.Profiles {
		if err := r.Register(p); err != nil {
			return nil, errors.Wrapf(err, "profiles %s", path)
		}
	}
	return r, nil
}
