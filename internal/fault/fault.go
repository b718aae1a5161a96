// Package fault implements dangling-pointer detection. When a pool frees
// an object with trapping enabled, the object's nodes are quarantined,
// access to its fully-covered pages is revoked, and the object is entered
// into a process-wide registry keyed by address. Any later access through
// the runtime's guarded accessors is checked against that registry and
// reported with the allocation and free provenance of the object it hit.
//
// The hardware page protection is a backstop for accesses that bypass
// the accessors: the raw memory touch is wrapped with
// debug.SetPanicOnFault, so a revoked page surfaces as a recoverable
// panic instead of killing the process, and the handler decides whether
// to abort or restore access and resume. The guard is re-armed after
// every handled fault.
package fault

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/vigilmem/vigil/internal/config"
	"github.com/vigilmem/vigil/internal/interval"
	"github.com/vigilmem/vigil/internal/meta"
	"github.com/vigilmem/vigil/internal/pages"
	"github.com/vigilmem/vigil/internal/report"
)

// Object is a quarantined freed object awaiting (mis)use.
type Object struct {
	Rec      *meta.Record
	PoolName string
	NodeSize int

	// resumed records that a fault on this object was already reported
	// and execution continued; later accesses pass silently, matching
	// the page-unprotect behavior of a signal-handler runtime.
	resumed bool
}

// Trap is the process-wide dangling-access registry and fault handler.
// It is created once at runtime start and never torn down.
type Trap struct {
	mu      sync.Mutex
	trapped interval.Tree // object start -> *Object
	pm      *pages.Manager
	rep     *report.Reporter
	cfg     *config.Store
}

// New creates the trap singleton.
func New(pm *pages.Manager, rep *report.Reporter, cfg *config.Store) *Trap {
	return &Trap{pm: pm, rep: rep, cfg: cfg}
}

// protectedSpan returns the run of pages fully covered by the object.
// Pages shared with neighboring live objects keep their access; for
// those, detection relies on the registry alone.
func protectedSpan(start, length uintptr) (base uintptr, n int) {
	ps := uintptr(pages.Size())
	base = (start + ps - 1) &^ (ps - 1)
	end := (start + length) &^ (ps - 1)
	if end <= base {
		return 0, 0
	}
	return base, int((end - base) / ps)
}

// OnFree quarantines a freed object: revokes access to its exclusive
// pages and registers it for provenance lookup. The object's metadata
// record must already carry its free stamp.
func (t *Trap) OnFree(start, length uintptr, obj *Object) {
	if base, n := protectedSpan(start, length); n > 0 {
		// Revocation failure leaves registry-only detection in place.
		_ = t.pm.Protect(base, n)
	}
	t.mu.Lock()
	t.trapped.Insert(start, length, obj)
	t.mu.Unlock()
}

// Lookup returns the quarantined object containing addr.
func (t *Trap) Lookup(addr uintptr) (obj *Object, start, length uintptr, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, l, tag, found := t.trapped.Retrieve(addr)
	if !found {
		return nil, 0, 0, false
	}
	return tag.(*Object), s, l, true
}

// Release drops the quarantine entry starting at start and restores
// access to its pages. Used by pool destruction under RetainNone.
func (t *Trap) Release(start uintptr) {
	t.mu.Lock()
	_, length, _, found := t.trapped.Retrieve(start)
	if found {
		t.trapped.Delete(start)
	}
	t.mu.Unlock()
	if !found {
		return
	}
	if base, n := protectedSpan(start, length); n > 0 {
		_ = t.pm.Unprotect(base, n)
	}
}

// Trapped returns the number of quarantined objects.
func (t *Trap) Trapped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapped.Len()
}

// Load reads n bytes at addr through the guard, reporting a dangling
// access if addr lies in a quarantined object. The returned error is
// non-nil only when a violation was reported and the configured policy
// continued instead of aborting.
func (t *Trap) Load(addr uintptr, n int, pc uintptr) ([]byte, error) {
	if err := t.checkAccess(addr, pc, false); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := guardedCopy(buf, pages.Bytes(addr, n)); err != nil {
		return nil, t.unexpectedFault(addr, pc, err)
	}
	return buf, nil
}

// Store writes b at addr through the guard.
func (t *Trap) Store(addr uintptr, b []byte, pc uintptr) error {
	if err := t.checkAccess(addr, pc, true); err != nil {
		return err
	}
	if err := guardedCopy(pages.Bytes(addr, len(b)), b); err != nil {
		return t.unexpectedFault(addr, pc, err)
	}
	return nil
}

// checkAccess consults the registry and dispatches the violation. On a
// continue decision the object's pages are restored so the raw copy can
// proceed.
func (t *Trap) checkAccess(addr, pc uintptr, write bool) error {
	t.mu.Lock()
	start, length, tag, found := t.trapped.Retrieve(addr)
	var obj *Object
	if found {
		obj = tag.(*Object)
	}
	t.mu.Unlock()
	if !found || obj.resumed {
		return nil
	}

	v := &report.Violation{
		Kind:      report.DanglingAccess,
		FaultAddr: addr,
		FaultPC:   pc,
		PoolName:  obj.PoolName,
		NodeSize:  obj.NodeSize,
		ObjStart:  start,
		ObjLen:    length,
		AllocID:   obj.Rec.AllocID,
		AllocSite: obj.Rec.AllocSite,
		FreeID:    obj.Rec.FreeID,
		FreeSite:  obj.Rec.FreeSite,
	}
	if write {
		v.Message = "store through freed object"
	} else {
		v.Message = "load through freed object"
	}

	if !t.cfg.Load().ContinueOnFault {
		t.rep.Report(v)
		// Only reached when the abort hook was replaced (tests).
		return fmt.Errorf("fault: dangling access to %#x", addr)
	}

	t.rep.Warn(v)
	if base, n := protectedSpan(start, length); n > 0 {
		_ = t.pm.Unprotect(base, n)
	}
	t.mu.Lock()
	obj.resumed = true
	t.mu.Unlock()
	return nil
}

// unexpectedFault handles a hardware fault with no registry entry:
// either an uninstrumented revocation or runtime state corruption.
func (t *Trap) unexpectedFault(addr, pc uintptr, cause error) error {
	v := &report.Violation{
		Kind:      report.InternalError,
		Message:   fmt.Sprintf("unattributed memory fault: %v", cause),
		FaultAddr: addr,
		FaultPC:   pc,
	}
	t.rep.Report(v)
	return fmt.Errorf("fault: unattributed fault at %#x", addr)
}

// guardedCopy copies src into dst with the page-fault guard armed.
// A fault surfaces as an error instead of a process kill. The previous
// guard state is restored afterwards, re-arming behavior the caller
// relies on for subsequent accesses.
func guardedCopy(dst, src []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	copy(dst, src)
	return nil
}
