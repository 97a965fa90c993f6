// Package tools holds the tool registry and the executor that turns the
// model's tool calls into validated, timed handler invocations.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	jsoniter "github.com/json-iterator/go"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrToolRegistered reports a duplicate registration without a name
// override.
var ErrToolRegistered = errors.New("tool already registered")

// Registry is the thread-safe name-to-descriptor tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*models.ToolDescriptor

	bus    *hooks.Bus
	logger *slog.Logger
}

// RegistryOption tunes registry construction.
type RegistryOption func(*Registry)

// WithHooks attaches the hook bus for tool.register.before/after events.
func WithHooks(b *hooks.Bus) RegistryOption {
	return func(r *Registry) { r.bus = b }
}

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]*models.ToolDescriptor)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "tool_registry")
	return r
}

// Register adds a descriptor under its own name, or under nameOverride when
// given. Registering an already-taken name fails with ErrToolRegistered; an
// override lets the same tool enter the table a second time under a fresh
// name.
func (r *Registry) Register(desc *models.ToolDescriptor, nameOverride ...string) error {
	if desc == nil || desc.Name == "" {
		return errors.New("tools: descriptor requires a name")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", desc.Name)
	}
	name := desc.Name
	if len(nameOverride) > 0 && nameOverride[0] != "" {
		name = nameOverride[0]
	}

	if err := r.emit(context.Background(), hooks.EventToolRegisterBefore, name); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.tools[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrToolRegistered, name)
	}
	stored := *desc
	stored.Name = name
	r.tools[name] = &stored
	r.mu.Unlock()

	r.logger.Debug("registered tool", "name", name)
	return r.emit(context.Background(), hooks.EventToolRegisterAfter, name)
}

// Unregister removes a tool, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// GetAllTools returns every descriptor sorted by name.
func (r *Registry) GetAllTools() []*models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ToolDescriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// OpenAISchema renders the registry in wire form, sorted by name.
func (r *Registry) OpenAISchema() []models.ToolSchema {
	descs := r.GetAllTools()
	out := make([]models.ToolSchema, len(descs))
	for i, desc := range descs {
		out[i] = desc.Schema()
	}
	return out
}

func (r *Registry) emit(ctx context.Context, event hooks.EventType, name string) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Emit(ctx, hooks.NewEvent(event, "tool_registry").With("tool_name", name))
}

// NewTool builds a descriptor whose parameter schema is reflected from the
// typed params struct P. Fields are required unless their json tag carries
// omitempty; jsonschema struct tags contribute descriptions and enums.
func NewTool[P any](name, description string, fn func(ctx context.Context, params P) (any, error)) (*models.ToolDescriptor, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero P
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	params, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: reflect %s params: %w", name, err)
	}

	handler := models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		body, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		var p P
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, p)
	})

	return &models.ToolDescriptor{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler:     handler,
	}, nil
}
