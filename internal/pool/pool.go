// Package pool implements the allocation arena at the center of the
// runtime. A pool owns objects of one node size, carves them out of
// page-backed slabs, and tracks every live allocation's address range
// in an interval tree so that pointer checks resolve in O(log n).
//
// Frees are routed through the dangling-pointer trap when trapping is
// enabled: the freed run is quarantined instead of recycled, its pages
// are revoked, and its provenance stays resolvable for later misuse
// reports. With trapping disabled frees recycle nodes immediately.
package pool

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/vigilmem/vigil/internal/config"
	"github.com/vigilmem/vigil/internal/fault"
	"github.com/vigilmem/vigil/internal/interval"
	"github.com/vigilmem/vigil/internal/meta"
	"github.com/vigilmem/vigil/internal/oob"
	"github.com/vigilmem/vigil/internal/pages"
	"github.com/vigilmem/vigil/internal/report"
	"github.com/vigilmem/vigil/internal/slab"
)

// Deps bundles the process-wide collaborators a pool operates against.
// All pools of one runtime share a single Deps value.
type Deps struct {
	Pages    *pages.Manager
	Reporter *report.Reporter
	OOB      *oob.Table
	Trap     *fault.Trap
	Config   *config.Store
	AllocSeq *meta.Sequence
	FreeSeq  *meta.Sequence
	External *Externals
}

// Externals is the process-wide registry of objects not owned by any
// pool (stack objects, globals, foreign allocators). Unchecked pointer
// checks fall back to it before warning.
type Externals struct {
	mu sync.Mutex
	t  interval.Tree
}

// Register adds an external object range.
func (e *Externals) Register(start, length uintptr) {
	e.mu.Lock()
	e.t.Insert(start, length, nil)
	e.mu.Unlock()
}

// Unregister removes the external range starting at start.
func (e *Externals) Unregister(start uintptr) {
	e.mu.Lock()
	e.t.Delete(start)
	e.mu.Unlock()
}

// Contains reports whether addr lies in a registered external object.
func (e *Externals) Contains(addr uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _, _, ok := e.t.Retrieve(addr)
	return ok
}

// Len returns the number of registered external objects.
func (e *Externals) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Len()
}

// addrArrSize is how many slabs the index holds in its scan array
// before escalating to the page-base map.
const addrArrSize = 16

// slabIndex locates the slab owning an address. Small pools scan a
// fixed array; once it overflows every page of every slab is entered
// into a map keyed by page base, and lookups become a single probe.
type slabIndex struct {
	arr [addrArrSize]*slab.Slab
	n   int
	m   map[uintptr]*slab.Slab
}

func (ix *slabIndex) add(s *slab.Slab) {
	if ix.m == nil {
		if ix.n < addrArrSize {
			ix.arr[ix.n] = s
			ix.n++
			return
		}
		ix.m = make(map[uintptr]*slab.Slab, 2*addrArrSize)
		for i := 0; i < ix.n; i++ {
			ix.addPages(ix.arr[i])
			ix.arr[i] = nil
		}
		ix.n = 0
	}
	ix.addPages(s)
}

func (ix *slabIndex) addPages(s *slab.Slab) {
	for i := 0; i < s.Pages(); i++ {
		ix.m[s.Base()+uintptr(i*pages.Size())] = s
	}
}

func (ix *slabIndex) remove(s *slab.Slab) {
	if ix.m != nil {
		for i := 0; i < s.Pages(); i++ {
			delete(ix.m, s.Base()+uintptr(i*pages.Size()))
		}
		return
	}
	for i := 0; i < ix.n; i++ {
		if ix.arr[i] == s {
			copy(ix.arr[i:], ix.arr[i+1:ix.n])
			ix.n--
			ix.arr[ix.n] = nil
			return
		}
	}
}

func (ix *slabIndex) find(addr uintptr) *slab.Slab {
	if ix.m != nil {
		return ix.m[pages.Base(addr)]
	}
	for i := 0; i < ix.n; i++ {
		s := ix.arr[i]
		span := uintptr(s.Pages() * pages.Size())
		if addr >= s.Base() && addr < s.Base()+span {
			return s
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of a pool's footprint.
type Stats struct {
	Slabs       int
	LargeSlabs  int
	NodesInUse  int
	Quarantined int
	LiveObjects int
	Bytes       uintptr
}

// Pool is an allocation arena for objects of a single node size. All
// operations are safe for concurrent use; one mutex serializes the
// pool's state.
type Pool struct {
	mu       sync.Mutex
	name     string
	nodeSize int
	deps     *Deps

	partial []*slab.Slab
	full    []*slab.Slab
	large   []*slab.Slab
	index   slabIndex

	// objects maps every live allocation (and registered range) to its
	// metadata record; registered externals carry a nil tag.
	objects interval.Tree

	// tainted slabs hold quarantined runs and are kept mapped at
	// destroy time under the retain-forever policy.
	tainted map[*slab.Slab]bool
	// quarantined records the start of every trapped object so the
	// registry can be drained when retention allows it.
	quarantined []uintptr

	nodesInUse int
	quarCount  int
}

// New initializes an empty pool. A nodeSize of zero is promoted to one
// byte so that zero-sized requests still yield unique pointers.
func New(name string, nodeSize int, deps *Deps) *Pool {
	if nodeSize <= 0 {
		nodeSize = 1
	}
	return &Pool{
		name:     name,
		nodeSize: nodeSize,
		deps:     deps,
		tainted:  make(map[*slab.Slab]bool),
	}
}

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }

// NodeSize returns the pool's node size in bytes.
func (p *Pool) NodeSize() int { return p.nodeSize }

func callerPC(skip int) uintptr {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return 0
	}
	return pc
}

// fatal reports v through the fatal path and returns a matching error
// for callers running with the abort hook replaced.
func (p *Pool) fatal(v *report.Violation) error {
	p.deps.Reporter.Report(v)
	return fmt.Errorf("pool %s: %s", p.name, v.Kind)
}

// Alloc allocates n bytes and returns the address of the backing node
// run. The allocation site recorded in the object's metadata is Alloc's
// caller.
func (p *Pool) Alloc(n uintptr) uintptr {
	return p.AllocPC(n, callerPC(2))
}

// AllocPC is Alloc with an explicit allocation site.
func (p *Pool) AllocPC(n, pc uintptr) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc(n, pc)
}

func (p *Pool) alloc(n, pc uintptr) uintptr {
	if n == 0 {
		n = 1
	}
	nodes := int((n + uintptr(p.nodeSize) - 1) / uintptr(p.nodeSize))
	capacity := slab.Capacity(p.nodeSize)

	var addr uintptr
	if capacity == 0 || nodes > capacity {
		s, err := slab.NewSingleArray(p.deps.Pages, p.nodeSize, nodes)
		if err != nil {
			p.fatal(&report.Violation{
				Kind:     report.InternalError,
				Message:  fmt.Sprintf("page allocation failed: %v", err),
				PoolName: p.name,
				NodeSize: p.nodeSize,
			})
			return 0
		}
		p.large = append(p.large, s)
		p.index.add(s)
		addr = s.Base()
	} else {
		addr = p.allocFromSlabs(nodes)
		if addr == 0 {
			return 0
		}
	}

	rec := meta.NewRecord(p.deps.AllocSeq.Next(), pc, addr, n)
	p.objects.Insert(addr, n, rec)
	p.nodesInUse += nodes
	return addr
}

// allocFromSlabs satisfies a request of nodes ≤ capacity from the
// partial list, creating a fresh slab when nothing fits.
func (p *Pool) allocFromSlabs(nodes int) uintptr {
	for i, s := range p.partial {
		idx := p.allocRun(s, nodes)
		if idx < 0 {
			continue
		}
		if s.IsFull() {
			p.partial = append(p.partial[:i], p.partial[i+1:]...)
			p.full = append(p.full, s)
		}
		return s.ElementAddr(idx)
	}

	s, err := slab.New(p.deps.Pages, p.nodeSize)
	if err != nil {
		p.fatal(&report.Violation{
			Kind:     report.InternalError,
			Message:  fmt.Sprintf("page allocation failed: %v", err),
			PoolName: p.name,
			NodeSize: p.nodeSize,
		})
		return 0
	}
	p.index.add(s)
	idx := p.allocRun(s, nodes)
	if s.IsFull() {
		p.full = append(p.full, s)
	} else {
		p.partial = append(p.partial, s)
	}
	return s.ElementAddr(idx)
}

func (p *Pool) allocRun(s *slab.Slab, nodes int) int {
	if nodes == 1 {
		return s.AllocateSingle()
	}
	return s.AllocateMultiple(nodes)
}

// Free releases the object containing ptr. With trapping enabled the
// object is quarantined: its nodes are never recycled, its exclusive
// pages are revoked, and its provenance stays available for dangling
// access reports. Freeing an unknown address, or re-freeing a trapped
// object, is reported fatally.
func (p *Pool) Free(ptr uintptr) error {
	return p.FreePC(ptr, callerPC(2))
}

// FreePC is Free with an explicit free site.
func (p *Pool) FreePC(ptr, pc uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free(ptr, pc)
}

func (p *Pool) free(ptr, pc uintptr) error {
	start, length, tag, ok := p.objects.Retrieve(ptr)
	if !ok {
		if obj, tStart, tLen, trapped := p.deps.Trap.Lookup(ptr); trapped {
			return p.fatal(&report.Violation{
				Kind:      report.DoubleFree,
				Message:   "free of an already freed object",
				FaultAddr: ptr,
				FaultPC:   pc,
				PoolName:  p.name,
				NodeSize:  p.nodeSize,
				ObjStart:  tStart,
				ObjLen:    tLen,
				AllocID:   obj.Rec.AllocID,
				AllocSite: obj.Rec.AllocSite,
				FreeID:    obj.Rec.FreeID,
				FreeSite:  obj.Rec.FreeSite,
			})
		}
		return p.fatal(&report.Violation{
			Kind:      report.UnknownFree,
			Message:   "free of an address with no live object",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
		})
	}

	rec, isRec := tag.(*meta.Record)
	if !isRec {
		return p.fatal(&report.Violation{
			Kind:      report.UnknownFree,
			Message:   "free of a registered external object",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
			ObjStart:  start,
			ObjLen:    length,
		})
	}

	s := p.index.find(start)
	if s == nil {
		return p.fatal(&report.Violation{
			Kind:      report.InternalError,
			Message:   "live object has no backing slab",
			FaultAddr: ptr,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
			ObjStart:  start,
			ObjLen:    length,
		})
	}

	rec.MarkFreed(p.deps.FreeSeq.Next(), pc)
	p.objects.Delete(start)

	trapping := p.deps.Config.Load().TrapDangling
	obj := &fault.Object{Rec: rec, PoolName: p.name, NodeSize: p.nodeSize}

	if s.IsSingleArray() {
		p.large = removeSlab(p.large, s)
		if trapping {
			span := uintptr(s.Pages() * pages.Size())
			p.quarantine(s, start, span, obj, s.NumNodes())
			return nil
		}
		p.index.remove(s)
		p.nodesInUse -= s.NumNodes()
		_ = s.Destroy(p.deps.Pages)
		return nil
	}

	idx, err := s.Contains(start)
	if err != nil || idx < 0 {
		return p.fatal(&report.Violation{
			Kind:      report.InternalError,
			Message:   "object start off node boundary",
			FaultAddr: ptr,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
			ObjStart:  start,
			ObjLen:    length,
		})
	}
	run, err := s.RunLength(idx)
	if err != nil {
		run = 1
	}

	if trapping {
		p.quarantine(s, start, uintptr(run*p.nodeSize), obj, run)
		return nil
	}

	wasFull := s.IsFull()
	freed, _ := s.Free(idx)
	p.nodesInUse -= freed
	if wasFull && !s.IsFull() {
		p.full = removeSlab(p.full, s)
		p.partial = append(p.partial, s)
	}
	if s.IsEmpty() {
		// Keep empty slabs, preferring them for the next allocation.
		p.partial = removeSlab(p.partial, s)
		p.partial = append([]*slab.Slab{s}, p.partial...)
	}
	return nil
}

// quarantine hands the freed run to the trap and marks its slab so the
// retain-forever policy keeps it mapped at destroy time. The run stays
// allocated in the slab bitmap, so it can never be handed out again.
func (p *Pool) quarantine(s *slab.Slab, start, span uintptr, obj *fault.Object, nodes int) {
	p.deps.Trap.OnFree(start, span, obj)
	p.tainted[s] = true
	p.quarantined = append(p.quarantined, start)
	p.nodesInUse -= nodes
	p.quarCount += nodes
}

func removeSlab(list []*slab.Slab, s *slab.Slab) []*slab.Slab {
	for i, e := range list {
		if e == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Realloc resizes the object at ptr to n bytes, preserving
// min(oldSize, n) bytes of content. A nil ptr allocates; n == 0 frees
// and returns zero.
func (p *Pool) Realloc(ptr, n uintptr) uintptr {
	return p.ReallocPC(ptr, n, callerPC(2))
}

// ReallocPC is Realloc with an explicit call site.
func (p *Pool) ReallocPC(ptr, n, pc uintptr) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ptr == 0 {
		return p.alloc(n, pc)
	}
	if n == 0 {
		p.free(ptr, pc)
		return 0
	}

	start, oldLen, tag, ok := p.objects.Retrieve(ptr)
	if !ok {
		p.fatal(&report.Violation{
			Kind:      report.UnknownFree,
			Message:   "realloc of an address with no live object",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
		})
		return 0
	}
	if _, isRec := tag.(*meta.Record); !isRec {
		p.fatal(&report.Violation{
			Kind:      report.UnknownFree,
			Message:   "realloc of a registered external object",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
			ObjStart:  start,
			ObjLen:    oldLen,
		})
		return 0
	}

	newAddr := p.alloc(n, pc)
	if newAddr == 0 {
		return 0
	}
	copyLen := oldLen
	if n < copyLen {
		copyLen = n
	}
	// Copy before the free revokes the old pages.
	copy(pages.Bytes(newAddr, int(copyLen)), pages.Bytes(start, int(copyLen)))
	p.free(start, pc)
	return newAddr
}

// Calloc allocates nelems*size bytes of zeroed memory.
func (p *Pool) Calloc(nelems, size uintptr) uintptr {
	pc := callerPC(2)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := nelems * size
	addr := p.alloc(n, pc)
	if addr == 0 {
		return 0
	}
	if n == 0 {
		n = 1
	}
	b := pages.Bytes(addr, int(n))
	for i := range b {
		b[i] = 0
	}
	return addr
}

// Strdup copies the NUL-terminated string at ptr into a fresh
// allocation. The scan is bounded by the containing object; a string
// missing its terminator is an out-of-bounds read and reported fatally.
func (p *Pool) Strdup(ptr uintptr) uintptr {
	pc := callerPC(2)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ptr == 0 {
		return 0
	}
	start, length, _, ok := p.objects.Retrieve(ptr)
	if !ok {
		p.fatal(&report.Violation{
			Kind:      report.UnknownObject,
			Message:   "strdup of an address with no live object",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
		})
		return 0
	}
	avail := int(start + length - ptr)
	src := pages.Bytes(ptr, avail)
	n := -1
	for i, c := range src {
		if c == 0 {
			n = i
			break
		}
	}
	if n < 0 {
		p.fatal(&report.Violation{
			Kind:      report.OutOfBounds,
			Message:   "unterminated string crosses object bound",
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
			ObjStart:  start,
			ObjLen:    length,
		})
		return 0
	}
	addr := p.alloc(uintptr(n+1), pc)
	if addr == 0 {
		return 0
	}
	copy(pages.Bytes(addr, n+1), src[:n+1])
	return addr
}

// Register records an externally-obtained range in the pool's index so
// that checks on pointers into it succeed. No metadata record is
// attached; registered ranges cannot be freed, only unregistered.
func (p *Pool) Register(ptr, n uintptr) {
	p.mu.Lock()
	p.objects.Insert(ptr, n, nil)
	p.mu.Unlock()
}

// Unregister removes the registered range starting at ptr.
func (p *Pool) Unregister(ptr uintptr) {
	p.mu.Lock()
	p.objects.Delete(ptr)
	p.mu.Unlock()
}

// Check validates that ptr lies within a live object of this pool,
// reporting fatally otherwise. A pointer into a quarantined freed
// object is flagged as a dangling access with full provenance.
func (p *Pool) Check(ptr uintptr) error {
	return p.CheckPC(ptr, callerPC(2))
}

// CheckPC is Check with an explicit fault site.
func (p *Pool) CheckPC(ptr, pc uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, _, _, ok := p.objects.Retrieve(ptr); ok {
		return nil
	}
	return p.missViolation(ptr, pc, true)
}

// CheckUI is the unchecked variant of Check for pointers whose
// provenance the instrumentation cannot prove: it also consults the
// process-wide external object registry, and on a miss warns and
// continues instead of aborting.
func (p *Pool) CheckUI(ptr uintptr) error {
	return p.CheckUIPC(ptr, callerPC(2))
}

// CheckUIPC is CheckUI with an explicit fault site.
func (p *Pool) CheckUIPC(ptr, pc uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, _, _, ok := p.objects.Retrieve(ptr); ok {
		return nil
	}
	if p.deps.External.Contains(ptr) {
		return nil
	}
	return p.missViolation(ptr, pc, false)
}

// missViolation reports a pointer that resolved to no live object,
// distinguishing dangling accesses from unknown pointers.
func (p *Pool) missViolation(ptr, pc uintptr, fatal bool) error {
	v := &report.Violation{
		FaultAddr: ptr,
		FaultPC:   pc,
		PoolName:  p.name,
		NodeSize:  p.nodeSize,
	}
	if obj, start, length, trapped := p.deps.Trap.Lookup(ptr); trapped {
		v.Kind = report.DanglingAccess
		v.Message = "pointer into freed object"
		v.ObjStart = start
		v.ObjLen = length
		v.AllocID = obj.Rec.AllocID
		v.AllocSite = obj.Rec.AllocSite
		v.FreeID = obj.Rec.FreeID
		v.FreeSite = obj.Rec.FreeSite
	} else {
		v.Kind = report.UnknownObject
		v.Message = "pointer into no known object"
	}
	if fatal {
		return p.fatal(v)
	}
	p.deps.Reporter.Warn(v)
	return fmt.Errorf("pool %s: %s", p.name, v.Kind)
}

// BoundsCheck validates that dst, derived from src, stays within the
// object containing src. A dst exactly one past the object's end is
// rewritten into the sentinel range instead of failing, preserving the
// common loop-bound idiom. Any other escape is a fatal bounds
// violation. The returned pointer is dst or its sentinel stand-in.
func (p *Pool) BoundsCheck(src, dst uintptr) (uintptr, error) {
	return p.boundsCheck(src, dst, callerPC(2), true)
}

// BoundsCheckPC is BoundsCheck with an explicit fault site.
func (p *Pool) BoundsCheckPC(src, dst, pc uintptr) (uintptr, error) {
	return p.boundsCheck(src, dst, pc, true)
}

// BoundsCheckUI is the warn-and-continue variant of BoundsCheck. On a
// violation dst is returned unchanged.
func (p *Pool) BoundsCheckUI(src, dst uintptr) (uintptr, error) {
	return p.boundsCheck(src, dst, callerPC(2), false)
}

// BoundsCheckUIPC is BoundsCheckUI with an explicit fault site.
func (p *Pool) BoundsCheckUIPC(src, dst, pc uintptr) (uintptr, error) {
	return p.boundsCheck(src, dst, pc, false)
}

func (p *Pool) boundsCheck(src, dst, pc uintptr, fatal bool) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var start, length uintptr
	if p.deps.OOB.IsSentinel(src) {
		// A derivation from an already-rewritten pointer checks
		// against the bounds recorded at rewrite time.
		entry, ok := p.deps.OOB.Lookup(src)
		if !ok {
			return dst, p.fatal(&report.Violation{
				Kind:      report.InternalError,
				Message:   "unrecognized sentinel pointer",
				FaultAddr: src,
				FaultPC:   pc,
				PoolName:  p.name,
				NodeSize:  p.nodeSize,
			})
		}
		start, length = entry.ObjStart, entry.ObjLen
	} else {
		var ok bool
		start, length, _, ok = p.objects.Retrieve(src)
		if !ok && !fatal && p.deps.External.Contains(src) {
			// External objects carry no length; accept the derivation.
			return dst, nil
		}
		if !ok {
			err := p.missViolation(src, pc, fatal)
			return dst, err
		}
	}

	end := start + length
	if dst >= start && dst < end {
		return dst, nil
	}

	if dst == end {
		cfg := p.deps.Config.Load()
		if cfg.RewriteOOB {
			sentinel, err := p.deps.OOB.Rewrite(dst, start, length)
			if err == nil {
				return sentinel, nil
			}
			v := &report.Violation{
				Kind:      report.RewriteExhaustion,
				Message:   "sentinel range exhausted",
				FaultAddr: dst,
				FaultPC:   pc,
				PoolName:  p.name,
				NodeSize:  p.nodeSize,
				ObjStart:  start,
				ObjLen:    length,
				SrcPtr:    src,
				DstPtr:    dst,
			}
			if cfg.TolerateExhaustion {
				p.deps.Reporter.Warn(v)
				return dst, nil
			}
			return dst, p.fatal(v)
		}
	}

	v := &report.Violation{
		Kind:      report.OutOfBounds,
		Message:   "derived pointer escapes object bounds",
		FaultAddr: dst,
		FaultPC:   pc,
		PoolName:  p.name,
		NodeSize:  p.nodeSize,
		ObjStart:  start,
		ObjLen:    length,
		SrcPtr:    src,
		DstPtr:    dst,
	}
	if fatal {
		return dst, p.fatal(v)
	}
	p.deps.Reporter.Warn(v)
	return dst, fmt.Errorf("pool %s: %s", p.name, v.Kind)
}

// AlignCheck validates that ptr points into a node of this pool at an
// intra-node offset within [startOff, endOff]. Used for pointers into a
// sub-field of a structured node.
func (p *Pool) AlignCheck(ptr uintptr, startOff, endOff int) error {
	return p.AlignCheckPC(ptr, startOff, endOff, callerPC(2))
}

// AlignCheckPC is AlignCheck with an explicit fault site.
func (p *Pool) AlignCheckPC(ptr uintptr, startOff, endOff int, pc uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if startOff < 0 || endOff < startOff || endOff >= p.nodeSize {
		return p.fatal(&report.Violation{
			Kind:     report.InternalError,
			Message:  fmt.Sprintf("bad alignment window [%d,%d] for node size %d", startOff, endOff, p.nodeSize),
			FaultPC:  pc,
			PoolName: p.name,
			NodeSize: p.nodeSize,
		})
	}

	s := p.index.find(ptr)
	if s == nil {
		return p.missViolation(ptr, pc, true)
	}
	off := int((ptr - s.Base()) % uintptr(p.nodeSize))
	if off < startOff || off > endOff {
		return p.fatal(&report.Violation{
			Kind:      report.AlignmentViolation,
			Message:   fmt.Sprintf("intra-node offset %d outside [%d,%d]", off, startOff, endOff),
			FaultAddr: ptr,
			FaultPC:   pc,
			PoolName:  p.name,
			NodeSize:  p.nodeSize,
		})
	}
	return nil
}

// Stats returns a snapshot of the pool's footprint.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Slabs:       len(p.partial) + len(p.full),
		LargeSlabs:  len(p.large),
		NodesInUse:  p.nodesInUse,
		Quarantined: p.quarCount,
		LiveObjects: p.objects.Len(),
	}
	for _, s := range p.partial {
		st.Bytes += uintptr(s.Pages() * pages.Size())
	}
	for _, s := range p.full {
		st.Bytes += uintptr(s.Pages() * pages.Size())
	}
	for _, s := range p.large {
		st.Bytes += uintptr(s.Pages() * pages.Size())
	}
	for s := range p.tainted {
		if !s.IsSingleArray() {
			continue
		}
		st.Bytes += uintptr(s.Pages() * pages.Size())
	}
	return st
}

// Destroy releases the pool's backing pages. Under the retain-forever
// metadata policy, slabs holding quarantined objects stay mapped and
// their registry entries survive, so stale pointers to them remain
// diagnosable. Under retain-none the registry is drained and every
// page is returned.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	retain := p.deps.Config.Load().Retention == config.RetainForever
	if !retain {
		for _, start := range p.quarantined {
			p.deps.Trap.Release(start)
		}
		p.quarantined = nil
		p.quarCount = 0
	}

	destroy := func(list []*slab.Slab) {
		for _, s := range list {
			if retain && p.tainted[s] {
				continue
			}
			p.index.remove(s)
			_ = s.Destroy(p.deps.Pages)
		}
	}
	destroy(p.partial)
	destroy(p.full)
	destroy(p.large)
	// Large tainted slabs were already unlinked from the list at free.
	if !retain {
		for s := range p.tainted {
			if s.IsSingleArray() {
				p.index.remove(s)
				_ = s.Destroy(p.deps.Pages)
			}
		}
		p.tainted = make(map[*slab.Slab]bool)
	}
	p.partial, p.full, p.large = nil, nil, nil
	p.objects.Clear()
	p.nodesInUse = 0
}
