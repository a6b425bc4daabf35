// Package runtime provides the "isolate" abstraction spec §9 calls for in
// place of torch-ipc's embedded per-worker Lua interpreter: a private
// execution context with its own function registry and handle table, so a
// SharedTable or MapPool worker has somewhere to hold its canonical state
// without sharing Go-level memory with its caller.
package runtime

import "github.com/ipcmesh/ipcmesh/codec"

// Isolate is a goroutine-confined execution context. It owns a private
// FuncRegistry (for resolving Function values received over the codec) and a
// private HandleTable (for Userdata values the isolate itself originates).
// Nothing about an Isolate is safe to share across goroutines except through
// the ring-mediated codec traffic it was designed to replace a shared heap
// with.
type Isolate struct {
	funcs   *codec.FuncRegistry
	handles *codec.HandleTable

	preload []func(*Isolate)
}

// New creates an Isolate with empty registries.
func New() *Isolate {
	return &Isolate{
		funcs:   codec.NewFuncRegistry(),
		handles: codec.NewHandleTable(),
	}
}

// Funcs returns the isolate's private function registry.
func (iso *Isolate) Funcs() *codec.FuncRegistry { return iso.funcs }

// Handles returns the isolate's private handle table.
func (iso *Isolate) Handles() *codec.HandleTable { return iso.handles }

// Preload registers a collaborator hook to run whenever Run is invoked,
// mirroring spec.md §4.7/§4.5's "preload the minimum collaborators needed to
// deserialize" step performed before a worker touches its first frame.
func (iso *Isolate) Preload(hook func(*Isolate)) {
	iso.preload = append(iso.preload, hook)
}

// Run preloads collaborators then invokes fn with this isolate, on the
// calling goroutine. Callers that want a dedicated goroutine per isolate
// start one themselves and call Run from inside it; Isolate itself holds no
// goroutine of its own. MapPool workers and SharedTable use an Isolate's
// registries directly and do not call Run.
func (iso *Isolate) Run(fn func(*Isolate) error) error {
	for _, hook := range iso.preload {
		hook(iso)
	}
	return fn(iso)
}
