// Package mappool implements the one-shot worker fan-out of spec §4.5:
// spawn N goroutines, each with its own ring and isolated runtime.Isolate,
// distribute arguments, collect return values (or an error) back through the
// same ring, then join.
package mappool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/internal/runtime"
	"github.com/ipcmesh/ipcmesh/ring"
)

// DefaultSize is the starting capacity of each worker's ring.
const DefaultSize = datasize.ByteSize(16 * 1024)

// WorkerFunc is the unit of work a Pool fans out. index is 1-based, matching
// spec.md's "implicit per-worker index is i+1". The isolate passed in is
// private to this worker and safe to preload collaborators onto.
type WorkerFunc func(iso *runtime.Isolate, index int, args []codec.Value) ([]codec.Value, error)

// WorkerResult is the per-worker status Results reports: "exited 0"
// (ExitCode 0, Err nil) or "exited nonzero with message" (ExitCode != 0).
// A worker that is still running is reported as the zero WorkerResult, which
// is indistinguishable from "exited 0".
type WorkerResult struct {
	ExitCode int
	Err      error
}

type worker struct {
	ring *ring.Buffer
	iso  *runtime.Isolate
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	workErr  error
	running  bool
}

// Pool is a fire-and-wait fan-out: created, running, joined at most once.
type Pool struct {
	workers []*worker
	joined  bool
	preInit func(*runtime.Isolate) error
}

// Spawn starts n workers, each invoking fn(isolate, i+1, args).
func Spawn(n int, fn WorkerFunc, args ...codec.Value) *Pool {
	return spawn(n, nil, fn, args...)
}

// SpawnExtended is the `extended` variant of spec.md §4.5: preInit runs once
// in each worker's isolate before fn, useful for per-worker module preloads.
// A nil preInit behaves exactly like Spawn.
func SpawnExtended(n int, preInit func(*runtime.Isolate) error, fn WorkerFunc, args ...codec.Value) *Pool {
	return spawn(n, preInit, fn, args...)
}

func spawn(n int, preInit func(*runtime.Isolate) error, fn WorkerFunc, args ...codec.Value) *Pool {
	p := &Pool{preInit: preInit}

	for i := 0; i < n; i++ {
		w := &worker{
			ring:    ring.New(DefaultSize),
			iso:     runtime.New(),
			done:    make(chan struct{}),
			running: true,
		}
		encodeArgsInto(w, args)
		p.workers = append(p.workers, w)

		go p.runWorker(i, w, fn, len(args))
	}
	return p
}

func encodeArgsInto(w *worker, args []codec.Value) {
	enc := codec.NewEncoder(w.ring, codec.ModeInProcess, w.iso.Handles())
	for _, a := range args {
		for {
			err := enc.Encode(a)
			if err == nil {
				break
			}
			if !errors.Is(err, codec.ErrOutOfBuffer) {
				panic(fmt.Sprintf("mappool: encoding initial args: %v", err))
			}
			w.ring.GrowBy(DefaultSize)
		}
	}
}

func (p *Pool) runWorker(idx int, w *worker, fn WorkerFunc, numArgs int) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if p.preInit != nil {
		if err := p.preInit(w.iso); err != nil {
			p.fail(w, err)
			return
		}
	}

	dec := codec.NewDecoder(w.ring, codec.ModeInProcess, w.iso.Handles(), w.iso.Funcs())
	args := make([]codec.Value, numArgs)
	for i := range args {
		v, err := dec.Decode()
		if err != nil {
			p.fail(w, fmt.Errorf("mappool: decoding args: %w", err))
			return
		}
		args[i] = v
	}

	results, err := fn(w.iso, idx+1, args)
	if err != nil {
		p.fail(w, err)
		return
	}

	enc := codec.NewEncoder(w.ring, codec.ModeInProcess, w.iso.Handles())
	for _, r := range results {
		for {
			encErr := enc.Encode(r)
			if encErr == nil {
				break
			}
			if !errors.Is(encErr, codec.ErrOutOfBuffer) {
				p.fail(w, encErr)
				return
			}
			w.ring.GrowBy(DefaultSize)
		}
	}

	w.mu.Lock()
	w.exitCode = 0
	w.mu.Unlock()
}

func (p *Pool) fail(w *worker, err error) {
	enc := codec.NewEncoder(w.ring, codec.ModeInProcess, w.iso.Handles())
	_ = enc.Encode(codec.String(err.Error()))

	w.mu.Lock()
	w.exitCode = 1
	w.workErr = err
	w.mu.Unlock()
}

// Join waits for every worker, drains each ring in worker-index order, and
// returns the concatenation of all return values from workers that
// succeeded. If any worker reported an error, Join returns the
// lowest-indexed such worker's error alone; the errors of other failed
// workers are not returned by Join (CheckErrors aggregates them).
func (p *Pool) Join() ([]codec.Value, error) {
	p.joined = true

	var results []codec.Value
	var errs *multierror.Error
	var first error

	for _, w := range p.workers {
		<-w.done

		w.mu.Lock()
		exitCode := w.exitCode
		workErr := w.workErr
		w.mu.Unlock()

		if exitCode == 0 {
			dec := codec.NewDecoder(w.ring, codec.ModeInProcess, w.iso.Handles(), w.iso.Funcs())
			for w.ring.Readable() > 0 {
				v, err := dec.Decode()
				if err != nil {
					break
				}
				results = append(results, v)
			}
			continue
		}

		dec := codec.NewDecoder(w.ring, codec.ModeInProcess, w.iso.Handles(), w.iso.Funcs())
		if v, err := dec.Decode(); err == nil {
			if s, ok := v.(codec.String); ok {
				workErr = errors.New(string(s))
			}
		}
		errs = multierror.Append(errs, workErr)
		if first == nil {
			first = workErr
		}
	}

	if first != nil {
		return results, first
	}
	return results, errs.ErrorOrNil()
}

// CheckErrors is the non-blocking variant: for any worker that has already
// exited with a non-zero code, its error is drained and returned; workers
// still running are left alone. It never blocks.
func (p *Pool) CheckErrors() error {
	var errs *multierror.Error

	for _, w := range p.workers {
		w.mu.Lock()
		running := w.running
		exitCode := w.exitCode
		workErr := w.workErr
		w.mu.Unlock()

		if running || exitCode == 0 {
			continue
		}

		dec := codec.NewDecoder(w.ring, codec.ModeInProcess, w.iso.Handles(), w.iso.Funcs())
		if v, err := dec.Decode(); err == nil {
			if s, ok := v.(codec.String); ok {
				workErr = errors.New(string(s))
			}
		}
		errs = multierror.Append(errs, workErr)
	}
	return errs.ErrorOrNil()
}

// Results reports each worker's current status without blocking or
// consuming anything, for callers that want a CheckErrors-adjacent view of
// in-flight pools.
func (p *Pool) Results() []WorkerResult {
	out := make([]WorkerResult, len(p.workers))
	for i, w := range p.workers {
		w.mu.Lock()
		if w.running {
			out[i] = WorkerResult{}
		} else {
			out[i] = WorkerResult{ExitCode: w.exitCode, Err: w.workErr}
		}
		w.mu.Unlock()
	}
	return out
}
