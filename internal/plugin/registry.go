package plugin

import (
	"embed"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentorch/agentorch/internal/common/config"
	apperrors "github.com/agentorch/agentorch/internal/common/errors"
	"github.com/agentorch/agentorch/internal/common/logger"
)

//go:embed builtins.yaml
var builtinsFS embed.FS

// Factory builds a plugin instance from its declared settings. The returned
// value must satisfy the interface of the slot it is declared under.
type Factory func(settings map[string]string, log *logger.Logger) (interface{}, error)

// manifest is the structure of builtins.yaml and of any external manifest
// file loaded at bootstrap.
type manifest struct {
	Version string              `yaml:"version"`
	Plugins []config.PluginDecl `yaml:"plugins"`
}

type slotKey struct {
	slot Slot
	name string
}

// Registry holds plugin factories and the instances built from them, keyed
// by (slot, name). It is populated during bootstrap and read-only afterwards.
type Registry struct {
	factories map[string]Factory
	instances map[slotKey]interface{}
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[slotKey]interface{}),
		logger:    log,
	}
}

// RegisterFactory makes a plugin constructor available under a factory name
// referenced by manifest declarations.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("factory name is required")
	}
	if f == nil {
		return fmt.Errorf("factory %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("factory %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Register adds a ready-made instance under (slot, name), verifying it
// satisfies the slot contract.
func (r *Registry) Register(slot Slot, name string, impl interface{}) error {
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if !satisfiesSlot(slot, impl) {
		return fmt.Errorf("plugin %q does not implement the %s contract", name, slot)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey{slot: slot, name: name}
	if _, exists := r.instances[key]; exists {
		return fmt.Errorf("%s plugin %q already registered", slot, name)
	}
	r.instances[key] = impl
	r.logger.Info("registered plugin",
		zap.String("slot", string(slot)),
		zap.String("name", name))
	return nil
}

// LoadBuiltins instantiates the plugin declarations embedded in
// builtins.yaml. Factories for the declared plugins must be registered
// first.
func (r *Registry) LoadBuiltins() error {
	data, err := builtinsFS.ReadFile("builtins.yaml")
	if err != nil {
		return fmt.Errorf("read builtin manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse builtin manifest: %w", err)
	}
	return r.loadDecls(m.Plugins)
}

// LoadDeclared instantiates the plugin declarations from the orchestrator
// config. Declarations may shadow nothing: a (slot, name) collision is an
// error.
func (r *Registry) LoadDeclared(decls []config.PluginDecl) error {
	return r.loadDecls(decls)
}

func (r *Registry) loadDecls(decls []config.PluginDecl) error {
	for _, decl := range decls {
		if err := r.instantiate(decl); err != nil {
			return fmt.Errorf("plugin %s/%s: %w", decl.Slot, decl.Name, err)
		}
	}
	return nil
}

func (r *Registry) instantiate(decl config.PluginDecl) error {
	slot, err := ParseSlot(decl.Slot)
	if err != nil {
		return err
	}

	factoryName := decl.Plugin
	if factoryName == "" {
		factoryName = decl.Name
	}

	r.mu.RLock()
	factory, ok := r.factories[factoryName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no factory %q", factoryName)
	}

	impl, err := factory(decl.Settings, r.logger)
	if err != nil {
		return fmt.Errorf("construct: %w", err)
	}
	return r.Register(slot, decl.Name, impl)
}

// Runtime returns the runtime plugin registered under name.
func (r *Registry) Runtime(name string) (Runtime, error) {
	impl, err := r.lookup(SlotRuntime, name)
	if err != nil {
		return nil, err
	}
	return impl.(Runtime), nil
}

// Agent returns the agent plugin registered under name.
func (r *Registry) Agent(name string) (Agent, error) {
	impl, err := r.lookup(SlotAgent, name)
	if err != nil {
		return nil, err
	}
	return impl.(Agent), nil
}

// Workspace returns the workspace plugin registered under name.
func (r *Registry) Workspace(name string) (Workspace, error) {
	impl, err := r.lookup(SlotWorkspace, name)
	if err != nil {
		return nil, err
	}
	return impl.(Workspace), nil
}

// SCM returns the SCM plugin registered under name.
func (r *Registry) SCM(name string) (SCM, error) {
	impl, err := r.lookup(SlotSCM, name)
	if err != nil {
		return nil, err
	}
	return impl.(SCM), nil
}

// Tracker returns the tracker plugin registered under name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	impl, err := r.lookup(SlotTracker, name)
	if err != nil {
		return nil, err
	}
	return impl.(Tracker), nil
}

// Notifier returns the notifier plugin registered under name.
func (r *Registry) Notifier(name string) (Notifier, error) {
	impl, err := r.lookup(SlotNotifier, name)
	if err != nil {
		return nil, err
	}
	return impl.(Notifier), nil
}

func (r *Registry) lookup(slot Slot, name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	impl, exists := r.instances[slotKey{slot: slot, name: name}]
	if !exists {
		return nil, apperrors.PluginNotFound(string(slot), name)
	}
	return impl, nil
}

// Exists checks whether a plugin is registered under (slot, name).
func (r *Registry) Exists(slot Slot, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.instances[slotKey{slot: slot, name: name}]
	return exists
}

// List returns the names registered under a slot.
func (r *Registry) List(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0)
	for key := range r.instances {
		if key.slot == slot {
			names = append(names, key.name)
		}
	}
	return names
}

// ParseSlot converts a manifest slot string to a Slot.
func ParseSlot(s string) (Slot, error) {
	for _, slot := range Slots {
		if string(slot) == s {
			return slot, nil
		}
	}
	return "", fmt.Errorf("unknown plugin slot %q", s)
}

func satisfiesSlot(slot Slot, impl interface{}) bool {
	switch slot {
	case SlotRuntime:
		_, ok := impl.(Runtime)
		return ok
	case SlotAgent:
		_, ok := impl.(Agent)
		return ok
	case SlotWorkspace:
		_, ok := impl.(Workspace)
		return ok
	case SlotSCM:
		_, ok := impl.(SCM)
		return ok
	case SlotTracker:
		_, ok := impl.(Tracker)
		return ok
	case SlotNotifier:
		_, ok := impl.(Notifier)
		return ok
	default:
		return false
	}
}
