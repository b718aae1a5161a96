// Package vigil is a runtime memory-safety engine. Instrumented
// programs allocate through typed pools, and every pointer they form
// or dereference is validated against the pool's live-object index:
// out-of-bounds derivations are caught (with the one-past-the-end
// idiom preserved through sentinel rewriting), frees are checked for
// double and unknown frees, and accesses through freed pointers are
// reported with the allocation and free provenance of the object they
// touch.
package vigil

import (
	"errors"
	"runtime"
	"sync"

	"github.com/vigilmem/vigil/internal/config"
	"github.com/vigilmem/vigil/internal/fault"
	"github.com/vigilmem/vigil/internal/meta"
	"github.com/vigilmem/vigil/internal/oob"
	"github.com/vigilmem/vigil/internal/pages"
	"github.com/vigilmem/vigil/internal/pool"
	"github.com/vigilmem/vigil/internal/report"
)

// Pool is an allocation arena for objects of one node size.
type Pool = pool.Pool

// PoolStats is a snapshot of a pool's footprint.
type PoolStats = pool.Stats

// Config is the runtime's behavior configuration.
type Config = config.Config

// Runtime owns the process-wide state shared by all pools: the page
// manager, the violation reporter, the sentinel rewrite table, the
// dangling-pointer trap, and the allocation/free sequence generators.
// It is initialized once and never torn down.
type Runtime struct {
	pm       *pages.Manager
	reporter *report.Reporter
	oob      *oob.Table
	trap     *fault.Trap
	cfg      *config.Store
	allocSeq meta.Sequence
	freeSeq  meta.Sequence
	external pool.Externals
	deps     pool.Deps
}

// NewRuntime builds an isolated runtime. Most programs use the
// process-wide one through InitRuntime; isolated runtimes exist for
// tests.
func NewRuntime(cfg Config) *Runtime {
	r := &Runtime{
		pm:       pages.NewManager(),
		reporter: report.NewReporter(nil),
		oob:      oob.NewTable(0),
		cfg:      config.NewStore(cfg),
	}
	r.trap = fault.New(r.pm, r.reporter, r.cfg)
	r.deps = pool.Deps{
		Pages:    r.pm,
		Reporter: r.reporter,
		OOB:      r.oob,
		Trap:     r.trap,
		Config:   r.cfg,
		AllocSeq: &r.allocSeq,
		FreeSeq:  &r.freeSeq,
		External: &r.external,
	}
	return r
}

// errExact marks a failed static check for callers running with the
// abort hook replaced.
var errExact = errors.New("vigil: static bounds check failed")

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
)

// InitRuntime initializes the process-wide runtime with cfg. Only the
// first call's configuration takes effect; later calls return the
// existing runtime. Programs that skip it get default configuration on
// first use.
func InitRuntime(cfg Config) *Runtime {
	defaultOnce.Do(func() { defaultRT = NewRuntime(cfg) })
	return defaultRT
}

// Default returns the process-wide runtime, initializing it with
// default configuration if needed.
func Default() *Runtime {
	return InitRuntime(config.Default())
}

// Reporter exposes the runtime's violation reporter, mainly so hosts
// can redirect output or replace the abort hook.
func (r *Runtime) Reporter() *report.Reporter { return r.reporter }

// ConfigStore exposes the live configuration store.
func (r *Runtime) ConfigStore() *config.Store { return r.cfg }

// WatchConfig reloads the runtime's configuration whenever the JSON
// file at path changes.
func (r *Runtime) WatchConfig(path string) (*config.Watcher, error) {
	return config.Watch(path, r.cfg, nil)
}

func callerPC() uintptr {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return 0
	}
	return pc
}

// PoolInit creates an empty pool for objects of nodeSize bytes.
func (r *Runtime) PoolInit(name string, nodeSize int) *Pool {
	return pool.New(name, nodeSize, &r.deps)
}

// PoolDestroy releases a pool's backing pages, subject to the
// metadata retention policy.
func (r *Runtime) PoolDestroy(p *Pool) { p.Destroy() }

// PoolAlloc allocates n bytes from p.
func (r *Runtime) PoolAlloc(p *Pool, n uintptr) uintptr {
	return p.AllocPC(n, callerPC())
}

// PoolRealloc resizes the object at ptr, preserving min(old, n) bytes.
func (r *Runtime) PoolRealloc(p *Pool, ptr, n uintptr) uintptr {
	return p.ReallocPC(ptr, n, callerPC())
}

// PoolCalloc allocates zeroed memory for nelems elements of size bytes.
func (r *Runtime) PoolCalloc(p *Pool, nelems, size uintptr) uintptr {
	return p.Calloc(nelems, size)
}

// PoolStrdup duplicates the NUL-terminated string at ptr.
func (r *Runtime) PoolStrdup(p *Pool, ptr uintptr) uintptr {
	return p.Strdup(ptr)
}

// PoolFree frees the object containing ptr.
func (r *Runtime) PoolFree(p *Pool, ptr uintptr) error {
	return p.FreePC(ptr, callerPC())
}

// PoolRegister records an externally-obtained range without
// allocating, for stack objects, globals and foreign allocators. With
// a nil pool the range goes to the process-wide external registry.
func (r *Runtime) PoolRegister(p *Pool, ptr, n uintptr) {
	if p == nil {
		r.external.Register(ptr, n)
		return
	}
	p.Register(ptr, n)
}

// PoolUnregister removes a registered range.
func (r *Runtime) PoolUnregister(p *Pool, ptr uintptr) {
	if p == nil {
		r.external.Unregister(ptr)
		return
	}
	p.Unregister(ptr)
}

// PoolCheck validates ptr against p's live objects, fatally on
// violation.
func (r *Runtime) PoolCheck(p *Pool, ptr uintptr) error {
	return p.CheckPC(ptr, callerPC())
}

// PoolCheckUI is the warn-and-continue PoolCheck for pointers of
// unproven provenance; it also accepts registered external objects.
func (r *Runtime) PoolCheckUI(p *Pool, ptr uintptr) error {
	return p.CheckUIPC(ptr, callerPC())
}

// BoundsCheck validates dst against the object containing src,
// rewriting an exact one-past-the-end dst into a sentinel.
func (r *Runtime) BoundsCheck(p *Pool, src, dst uintptr) (uintptr, error) {
	return p.BoundsCheckPC(src, dst, callerPC())
}

// BoundsCheckUI is the warn-and-continue BoundsCheck.
func (r *Runtime) BoundsCheckUI(p *Pool, src, dst uintptr) (uintptr, error) {
	return p.BoundsCheckUIPC(src, dst, callerPC())
}

// PoolCheckAlign validates that ptr sits at an intra-node offset
// within [startOff, endOff].
func (r *Runtime) PoolCheckAlign(p *Pool, ptr uintptr, startOff, endOff int) error {
	return p.AlignCheckPC(ptr, startOff, endOff, callerPC())
}

// GetActualValue resolves a possibly-rewritten pointer back to the
// address it stands for. Pointers outside the sentinel range pass
// through unchanged; an unrecognized sentinel is an internal
// inconsistency and fatal.
func (r *Runtime) GetActualValue(ptr uintptr) (uintptr, error) {
	actual, err := r.oob.Resolve(ptr)
	if err == nil {
		return actual, nil
	}
	r.reporter.Report(&report.Violation{
		Kind:      report.InternalError,
		Message:   "unrecognized sentinel pointer",
		FaultAddr: ptr,
		FaultPC:   callerPC(),
	})
	return ptr, err
}

// ExactCheck validates a statically-known array access: 0 ≤ index <
// bound. It bypasses the interval index entirely.
func (r *Runtime) ExactCheck(index, bound int) error {
	if index >= 0 && index < bound {
		return nil
	}
	v := &report.Violation{
		Kind:      report.OutOfBounds,
		Message:   "index outside statically-known bound",
		FaultAddr: uintptr(index),
		FaultPC:   callerPC(),
		ObjLen:    uintptr(bound),
	}
	r.reporter.Report(v)
	return errExact
}

// ExactCheck2 validates a derived pointer against a
// compile-time-proven object of size bytes at base. One past the end
// is allowed and returned unrewritten. The returned pointer is dst.
func (r *Runtime) ExactCheck2(base, dst, size uintptr) (uintptr, error) {
	if dst >= base && dst <= base+size {
		return dst, nil
	}
	r.reporter.Report(&report.Violation{
		Kind:      report.OutOfBounds,
		Message:   "derived pointer escapes statically-known object",
		FaultAddr: dst,
		FaultPC:   callerPC(),
		ObjStart:  base,
		ObjLen:    size,
		SrcPtr:    base,
		DstPtr:    dst,
	})
	return dst, errExact
}

// FuncCheck validates an indirect call target against the set of
// functions the call site may legally reach.
func (r *Runtime) FuncCheck(f uintptr, allowed ...uintptr) error {
	for _, a := range allowed {
		if f == a {
			return nil
		}
	}
	r.reporter.Report(&report.Violation{
		Kind:      report.OutOfBounds,
		Message:   "indirect call to unexpected function",
		FaultAddr: f,
		FaultPC:   callerPC(),
	})
	return errExact
}

// PoolStatsOf returns a snapshot of p's footprint.
func (r *Runtime) PoolStatsOf(p *Pool) PoolStats { return p.Stats() }

// Load reads n bytes at addr through the dangling-access guard.
func (r *Runtime) Load(addr uintptr, n int) ([]byte, error) {
	return r.trap.Load(addr, n, callerPC())
}

// Store writes b at addr through the dangling-access guard.
func (r *Runtime) Store(addr uintptr, b []byte) error {
	return r.trap.Store(addr, b, callerPC())
}
