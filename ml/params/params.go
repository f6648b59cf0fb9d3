// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds an explicit registry of the learned parameters owned by each layer
// instance.
//
// A Registry wraps a context.Context and keeps, for every scope (one per layer instance), the
// kind of the layer that owns it and the name, dimensions and initializer of each of its
// parameters. Layers declare their parameters once at construction time (see Registry.Declare)
// and fetch their values while building graphs (see Registry.Value).
//
// Declaring the same scope twice with the same parameters is allowed and makes both
// declarations share the weights. Declaring it with different parameters (or a different kind
// of layer) fails with ErrIncompatible.
//
// Variables themselves are stored in the wrapped context, under the registry scopes, so they
// are saved, loaded and trained like any other context variable.
package params

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// ErrIncompatible is returned (wrapped) by Registry.Declare when a scope is re-declared with
// parameters that don't match the ones it already owns.
var ErrIncompatible = errors.New("incompatible parameter declaration")

// ScopeSeparator joins the names of nested registry scopes in Registry.Path.
const ScopeSeparator = "/"

// Spec describes one learned parameter of a layer.
type Spec struct {
	// Name of the parameter, unique within its scope.
	Name string

	// Dims of the parameter. The dtype is only chosen when the value is first used in a graph.
	Dims []int

	// Initializer used when the variable is created. If nil the context's default initializer is used.
	Initializer initializers.VariableInitializer

	// Regularized marks the weights that are passed to the context regularizer (if one is
	// configured) by Registry.Regularize.
	Regularized bool
}

// component is what is known about one scope.
type component struct {
	kind  string
	specs *orderedmap.OrderedMap[string, Spec]
}

// state is shared by a root Registry and all its sub-registries.
type state struct {
	mu         sync.Mutex
	components *orderedmap.OrderedMap[string, *component]
}

// Registry of learned parameters, organized in scopes. See package documentation.
//
// It is safe for concurrent use.
type Registry struct {
	ctx   *context.Context
	path  []string
	state *state
}

// New creates a root Registry backed by ctx.
//
// The scopes of the registry are created under ctx's current scope.
func New(ctx *context.Context) *Registry {
	return &Registry{
		ctx: ctx,
		state: &state{
			components: orderedmap.New[string, *component](),
		},
	}
}

// Sub returns the registry for the sub-scope with the given name.
//
// Sub-registries share the underlying state with their parent: calling Sub twice with the same
// name returns equivalent registries. The name is validated when the scope is used.
func (r *Registry) Sub(scope string) *Registry {
	return &Registry{
		ctx:   r.ctx,
		path:  append(slices.Clone(r.path), scope),
		state: r.state,
	}
}

// Path of the registry scope, with names joined by ScopeSeparator. The root registry has an
// empty path.
func (r *Registry) Path() string {
	return strings.Join(r.path, ScopeSeparator)
}

// Context returns the context backing the registry, moved into the registry's scope.
func (r *Registry) Context() *context.Context {
	ctx := r.ctx
	for _, scope := range r.path {
		ctx = ctx.In(scope)
	}
	return ctx
}

func (r *Registry) validatePath() error {
	if len(r.path) == 0 {
		return errors.New("parameters can't be declared in the root registry, use Registry.Sub to create a scope")
	}
	for _, scope := range r.path {
		if scope == "" {
			return errors.Errorf("empty scope name in registry path %q", r.Path())
		}
		if strings.Contains(scope, ScopeSeparator) {
			return errors.Errorf("scope name %q contains the separator %q", scope, ScopeSeparator)
		}
	}
	return nil
}

// Declare the parameters owned by the layer of the given kind in the registry's scope.
//
// Declaring the scope again with the same kind and parameters is a no-op, and both callers will
// share the same variables. Anything else returns an error wrapping ErrIncompatible.
func (r *Registry) Declare(kind string, specs ...Spec) error {
	if err := r.validatePath(); err != nil {
		return err
	}
	path := r.Path()
	newSpecs := orderedmap.New[string, Spec]()
	for _, spec := range specs {
		if spec.Name == "" {
			return errors.Errorf("parameter with empty name declared in scope %q", path)
		}
		if strings.Contains(spec.Name, ScopeSeparator) {
			return errors.Errorf("parameter name %q in scope %q contains the separator %q", spec.Name, path, ScopeSeparator)
		}
		for _, dim := range spec.Dims {
			if dim <= 0 {
				return errors.Errorf("parameter %q in scope %q has invalid dimensions %v", spec.Name, path, spec.Dims)
			}
		}
		if _, found := newSpecs.Get(spec.Name); found {
			return errors.Errorf("parameter %q declared twice in scope %q", spec.Name, path)
		}
		spec.Dims = slices.Clone(spec.Dims)
		newSpecs.Set(spec.Name, spec)
	}

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	existing, found := r.state.components.Get(path)
	if !found {
		r.state.components.Set(path, &component{kind: kind, specs: newSpecs})
		klog.V(1).Infof("params: scope %q declared as %s with %d parameters", path, kind, newSpecs.Len())
		return nil
	}
	if existing.kind != kind {
		return errors.Wrapf(ErrIncompatible, "scope %q already owned by a %s, can't be reused by a %s",
			path, existing.kind, kind)
	}
	if existing.specs.Len() != newSpecs.Len() {
		return errors.Wrapf(ErrIncompatible, "scope %q (%s) declared with %d parameters, previously %d",
			path, kind, newSpecs.Len(), existing.specs.Len())
	}
	for pair := newSpecs.Oldest(); pair != nil; pair = pair.Next() {
		previous, found := existing.specs.Get(pair.Key)
		if !found {
			return errors.Wrapf(ErrIncompatible, "scope %q (%s) has no parameter %q", path, kind, pair.Key)
		}
		if !slices.Equal(previous.Dims, pair.Value.Dims) {
			return errors.Wrapf(ErrIncompatible, "scope %q (%s) parameter %q declared with dimensions %v, previously %v",
				path, kind, pair.Key, pair.Value.Dims, previous.Dims)
		}
	}
	klog.V(2).Infof("params: scope %q (%s) reused", path, kind)
	return nil
}

// spec returns the declared spec for name, or panics if it was not declared.
func (r *Registry) spec(name string) Spec {
	path := r.Path()
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	comp, found := r.state.components.Get(path)
	if !found {
		exceptions.Panicf("params: scope %q was not declared, can't get parameter %q", path, name)
	}
	spec, found := comp.specs.Get(name)
	if !found {
		exceptions.Panicf("params: parameter %q was not declared in scope %q (%s)", name, path, comp.kind)
	}
	return spec
}

// Variable returns the variable for the declared parameter name, creating it with the given
// dtype if it doesn't exist yet.
//
// It panics if name was not declared in this scope, or if the variable exists with a different dtype.
func (r *Registry) Variable(dtype dtypes.DType, name string) *context.Variable {
	spec := r.spec(name)
	ctx := r.Context().Checked(false)
	if spec.Initializer != nil {
		ctx = ctx.WithInitializer(spec.Initializer)
	}
	return ctx.VariableWithShape(name, shapes.Make(dtype, spec.Dims...))
}

// Value returns the graph node with the value of the declared parameter name.
//
// The variable is created on first use (see Registry.Variable) and reused afterward.
func (r *Registry) Value(g *Graph, dtype dtypes.DType, name string) *Node {
	return r.Variable(dtype, name).ValueGraph(g)
}

// Regularize applies the regularizer configured in ctx (see regularizers.FromContext) to the
// parameters of this scope declared with Spec.Regularized.
//
// It is a no-op if no regularizer is configured.
func (r *Registry) Regularize(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	regularizer := regularizers.FromContext(ctx)
	if regularizer == nil {
		return
	}
	var weights []*context.Variable
	for _, spec := range r.Specs() {
		if spec.Regularized {
			weights = append(weights, r.Variable(dtype, spec.Name))
		}
	}
	if len(weights) > 0 {
		regularizer(ctx, g, weights...)
	}
}

// Specs returns the parameters declared in this registry's scope, in declaration order.
func (r *Registry) Specs() []Spec {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	comp, found := r.state.components.Get(r.Path())
	if !found {
		return nil
	}
	specs := make([]Spec, 0, comp.specs.Len())
	for pair := comp.specs.Oldest(); pair != nil; pair = pair.Next() {
		specs = append(specs, pair.Value)
	}
	return specs
}

// Scopes returns the paths of all declared scopes at or below this registry, in declaration order.
func (r *Registry) Scopes() []string {
	prefix := r.Path()
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	var scopes []string
	for pair := r.state.components.Oldest(); pair != nil; pair = pair.Next() {
		if isUnder(pair.Key, prefix) {
			scopes = append(scopes, pair.Key)
		}
	}
	return scopes
}

// Kind returns the kind of the layer that declared this scope, or "" if not declared.
func (r *Registry) Kind() string {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	comp, found := r.state.components.Get(r.Path())
	if !found {
		return ""
	}
	return comp.kind
}

// NumParameters returns the total number of scalar values of all parameters declared at or
// below this registry.
func (r *Registry) NumParameters() int {
	prefix := r.Path()
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	var total int
	for pair := r.state.components.Oldest(); pair != nil; pair = pair.Next() {
		if !isUnder(pair.Key, prefix) {
			continue
		}
		for spec := pair.Value.specs.Oldest(); spec != nil; spec = spec.Next() {
			total += numElements(spec.Value.Dims)
		}
	}
	return total
}

// String returns a table with one line per declared scope at or below this registry.
func (r *Registry) String() string {
	prefix := r.Path()
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	var sb strings.Builder
	for pair := r.state.components.Oldest(); pair != nil; pair = pair.Next() {
		if !isUnder(pair.Key, prefix) {
			continue
		}
		var count int
		var parts []string
		for spec := pair.Value.specs.Oldest(); spec != nil; spec = spec.Next() {
			count += numElements(spec.Value.Dims)
			parts = append(parts, fmt.Sprintf("%s%v", spec.Key, spec.Value.Dims))
		}
		_, _ = fmt.Fprintf(&sb, "%-40s %-12s %10s  %s\n",
			pair.Key, pair.Value.kind, humanize.Comma(int64(count)), strings.Join(parts, " "))
	}
	return sb.String()
}

// LogSummary logs (klog verbosity 1) the declared scopes and the total number of parameters.
func (r *Registry) LogSummary() {
	if !klog.V(1).Enabled() {
		return
	}
	klog.Infof("params: %s parameters in %d scopes:\n%s",
		humanize.Comma(int64(r.NumParameters())), len(r.Scopes()), r.String())
}

func isUnder(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+ScopeSeparator)
}

func numElements(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}
