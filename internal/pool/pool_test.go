package pool

import (
	"bytes"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/vigilmem/vigil/internal/config"
	"github.com/vigilmem/vigil/internal/fault"
	"github.com/vigilmem/vigil/internal/meta"
	"github.com/vigilmem/vigil/internal/oob"
	"github.com/vigilmem/vigil/internal/pages"
	"github.com/vigilmem/vigil/internal/report"
	"github.com/vigilmem/vigil/internal/slab"
)

type env struct {
	deps   *Deps
	last   *report.Violation
	aborts int
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	e := &env{}
	pm := pages.NewManager()
	t.Cleanup(pm.ReleaseAll)
	rep := report.NewReporter(&bytes.Buffer{})
	rep.SetAbort(func(int) { e.aborts++ })
	rep.SetObserver(func(v *report.Violation) { e.last = v })
	store := config.NewStore(cfg)
	e.deps = &Deps{
		Pages:    pm,
		Reporter: rep,
		OOB:      oob.NewTable(0),
		Trap:     fault.New(pm, rep, store),
		Config:   store,
		AllocSeq: &meta.Sequence{},
		FreeSeq:  &meta.Sequence{},
		External: &Externals{},
	}
	return e
}

func trappingOff() config.Config {
	cfg := config.Default()
	cfg.TrapDangling = false
	return cfg
}

func TestAllocCheckFreeCycle(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	ptr := p.Alloc(16)
	if ptr == 0 {
		t.Fatal("alloc returned nil")
	}
	for _, off := range []uintptr{0, 1, 15} {
		if err := p.Check(ptr + off); err != nil {
			t.Fatalf("check(ptr+%d): %v", off, err)
		}
	}
	if err := p.Check(ptr + 16); err == nil {
		t.Fatal("check one past end succeeded")
	}
	if e.last.Kind != report.UnknownObject {
		t.Fatalf("kind = %v, want unknown object", e.last.Kind)
	}

	e.last = nil
	if err := p.Free(ptr); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := p.Check(ptr); err == nil {
		t.Fatal("check after free succeeded")
	}
	if e.last.Kind != report.DanglingAccess {
		t.Fatalf("kind = %v, want dangling access", e.last.Kind)
	}
}

// The first object of a fresh pool carries allocation id 1 and, once
// freed, free id 1; a stale check must surface both.
func TestDanglingProvenanceFirstObject(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	ptr := p.Alloc(16)
	if err := p.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := p.Check(ptr); err == nil {
		t.Fatal("stale check succeeded")
	}
	if e.last.AllocID != 1 || e.last.FreeID != 1 {
		t.Fatalf("generations = %d/%d, want 1/1", e.last.AllocID, e.last.FreeID)
	}
	if e.last.NodeSize != 16 {
		t.Fatalf("node size = %d", e.last.NodeSize)
	}
	if e.last.AllocSite == 0 || e.last.FreeSite == 0 {
		t.Fatal("call sites not captured")
	}
}

func TestQuarantineBlocksReuse(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 32, e.deps)

	a := p.Alloc(32)
	if err := p.Free(a); err != nil {
		t.Fatal(err)
	}
	b := p.Alloc(32)
	if a == b {
		t.Fatal("quarantined node was recycled")
	}
	if err := p.Check(b); err != nil {
		t.Fatalf("check new object: %v", err)
	}
}

func TestReuseWithoutTrapping(t *testing.T) {
	e := newEnv(t, trappingOff())
	p := New("objs", 32, e.deps)

	a := p.Alloc(32)
	if err := p.Free(a); err != nil {
		t.Fatal(err)
	}
	b := p.Alloc(32)
	if a != b {
		t.Fatalf("freed node not reused: %#x then %#x", a, b)
	}
	// The old object is gone even though the address is live again for
	// the new one: its tree entry was replaced, so a stale check on an
	// interior pointer of the old object resolves to the new object.
	if err := p.Check(b); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestDoubleFreeReported(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	ptr := p.Alloc(16)
	if err := p.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := p.Free(ptr); err == nil {
		t.Fatal("double free succeeded")
	}
	if e.last.Kind != report.DoubleFree {
		t.Fatalf("kind = %v, want double free", e.last.Kind)
	}
	if e.last.AllocID != 1 || e.last.FreeID != 1 {
		t.Fatalf("generations = %d/%d", e.last.AllocID, e.last.FreeID)
	}
	if e.aborts != 1 {
		t.Fatalf("aborts = %d", e.aborts)
	}
}

func TestUnknownFreeReported(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	if err := p.Free(0xdeadbeef); err == nil {
		t.Fatal("unknown free succeeded")
	}
	if e.last.Kind != report.UnknownFree {
		t.Fatalf("kind = %v, want unknown free", e.last.Kind)
	}
}

func TestMultiNodeRunsAdjacent(t *testing.T) {
	e := newEnv(t, trappingOff())
	p := New("objs", 16, e.deps)

	a := p.Alloc(5 * 16)
	b := p.Alloc(5 * 16)
	if b != a+5*16 {
		t.Fatalf("second run at %#x, want %#x", b, a+5*16)
	}
	if err := p.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Check(b); err != nil {
		t.Fatalf("second run damaged by first free: %v", err)
	}
}

func TestReallocPreservesContent(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 8, e.deps)

	ptr := p.Alloc(8)
	src := pages.Bytes(ptr, 8)
	copy(src, []byte("vigilant"))

	bigger := p.Realloc(ptr, 32)
	if bigger == 0 {
		t.Fatal("realloc failed")
	}
	if got := string(pages.Bytes(bigger, 8)); got != "vigilant" {
		t.Fatalf("content = %q", got)
	}
	if err := p.Check(bigger + 31); err != nil {
		t.Fatalf("check over new size: %v", err)
	}
	if err := p.Check(ptr); err == nil {
		t.Fatal("old pointer still checks after realloc")
	}
	if e.last.Kind != report.DanglingAccess {
		t.Fatalf("kind = %v", e.last.Kind)
	}
}

func TestReallocEdges(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 8, e.deps)

	ptr := p.Realloc(0, 8)
	if ptr == 0 {
		t.Fatal("realloc(nil) did not allocate")
	}
	if got := p.Realloc(ptr, 0); got != 0 {
		t.Fatalf("realloc(ptr, 0) = %#x, want 0", got)
	}
	if err := p.Check(ptr); err == nil {
		t.Fatal("pointer live after realloc to zero")
	}
	_ = e
}

func TestCallocZeroes(t *testing.T) {
	e := newEnv(t, trappingOff())
	p := New("objs", 16, e.deps)

	// Dirty a node, free it, then calloc must hand back zeroed memory.
	a := p.Alloc(16)
	b := pages.Bytes(a, 16)
	for i := range b {
		b[i] = 0xee
	}
	if err := p.Free(a); err != nil {
		t.Fatal(err)
	}
	c := p.Calloc(4, 4)
	if c != a {
		t.Fatalf("calloc at %#x, want reused %#x", c, a)
	}
	for i, v := range pages.Bytes(c, 16) {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
		}
	}
	_ = e
}

func TestStrdup(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("strs", 1, e.deps)

	s := p.Alloc(6)
	copy(pages.Bytes(s, 6), "hello\x00")
	d := p.Strdup(s)
	if d == 0 || d == s {
		t.Fatalf("strdup = %#x", d)
	}
	if got := string(pages.Bytes(d, 5)); got != "hello" {
		t.Fatalf("copy = %q", got)
	}

	// Unterminated string: the scan stops at the object bound.
	u := p.Alloc(4)
	copy(pages.Bytes(u, 4), "nope")
	if got := p.Strdup(u); got != 0 {
		t.Fatalf("strdup of unterminated string = %#x", got)
	}
	if e.last.Kind != report.OutOfBounds {
		t.Fatalf("kind = %v", e.last.Kind)
	}
}

func TestBoundsCheck(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)
	ptr := p.Alloc(64)

	t.Run("in bounds", func(t *testing.T) {
		got, err := p.BoundsCheck(ptr, ptr+63)
		if err != nil || got != ptr+63 {
			t.Fatalf("got %#x, err %v", got, err)
		}
	})

	t.Run("one past end rewrites", func(t *testing.T) {
		s1, err := p.BoundsCheck(ptr, ptr+64)
		if err != nil {
			t.Fatal(err)
		}
		if s1 == ptr+64 {
			t.Fatal("one-past-end pointer not rewritten")
		}
		if !e.deps.OOB.IsSentinel(s1) {
			t.Fatalf("%#x not in sentinel range", s1)
		}
		true1, err := e.deps.OOB.Resolve(s1)
		if err != nil || true1 != ptr+64 {
			t.Fatalf("resolve = %#x, %v", true1, err)
		}

		s2, err := p.BoundsCheck(ptr, ptr+64)
		if err != nil {
			t.Fatal(err)
		}
		if s2 == s1 {
			t.Fatal("sentinels not distinct")
		}
	})

	t.Run("derivation from sentinel", func(t *testing.T) {
		s1, err := p.BoundsCheck(ptr, ptr+64)
		if err != nil {
			t.Fatal(err)
		}
		// Walking a rewritten pointer back into bounds passes.
		got, err := p.BoundsCheck(s1, ptr+8)
		if err != nil || got != ptr+8 {
			t.Fatalf("got %#x, err %v", got, err)
		}
	})

	t.Run("escape is fatal", func(t *testing.T) {
		e.last = nil
		if _, err := p.BoundsCheck(ptr, ptr+65); err == nil {
			t.Fatal("escaping derivation succeeded")
		}
		if e.last.Kind != report.OutOfBounds {
			t.Fatalf("kind = %v", e.last.Kind)
		}
		if e.last.SrcPtr != ptr || e.last.DstPtr != ptr+65 {
			t.Fatalf("pointers = %#x -> %#x", e.last.SrcPtr, e.last.DstPtr)
		}
		if e.last.ObjStart != ptr || e.last.ObjLen != 64 {
			t.Fatalf("bounds = %#x+%d", e.last.ObjStart, e.last.ObjLen)
		}
	})

	t.Run("ui variant warns", func(t *testing.T) {
		aborts := e.aborts
		got, err := p.BoundsCheckUI(ptr, ptr+100)
		if err == nil {
			t.Fatal("ui escape not flagged")
		}
		if got != ptr+100 {
			t.Fatalf("ui returned %#x", got)
		}
		if e.aborts != aborts {
			t.Fatal("ui variant aborted")
		}
	})
}

func TestBoundsCheckRewriteDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.RewriteOOB = false
	e := newEnv(t, cfg)
	p := New("objs", 16, e.deps)
	ptr := p.Alloc(16)

	if _, err := p.BoundsCheck(ptr, ptr+16); err == nil {
		t.Fatal("one-past-end passed with rewriting disabled")
	}
	if e.last.Kind != report.OutOfBounds {
		t.Fatalf("kind = %v", e.last.Kind)
	}
}

func TestRewriteExhaustionPolicies(t *testing.T) {
	cfg := config.Default()
	e := newEnv(t, cfg)
	e.deps.OOB = oob.NewTable(1)
	p := New("objs", 16, e.deps)
	ptr := p.Alloc(16)

	if _, err := p.BoundsCheck(ptr, ptr+16); err != nil {
		t.Fatalf("first rewrite: %v", err)
	}
	if _, err := p.BoundsCheck(ptr, ptr+16); err == nil {
		t.Fatal("exhausted rewrite succeeded")
	}
	if e.last.Kind != report.RewriteExhaustion {
		t.Fatalf("kind = %v", e.last.Kind)
	}

	cfg.TolerateExhaustion = true
	e.deps.Config.Set(cfg)
	got, err := p.BoundsCheck(ptr, ptr+16)
	if err != nil {
		t.Fatalf("tolerant exhaustion: %v", err)
	}
	if got != ptr+16 {
		t.Fatalf("tolerant exhaustion returned %#x, want original %#x", got, ptr+16)
	}
}

func TestAlignCheck(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("structs", 32, e.deps)
	ptr := p.Alloc(32)

	if err := p.AlignCheck(ptr+8, 8, 15); err != nil {
		t.Fatalf("field pointer rejected: %v", err)
	}
	if err := p.AlignCheck(ptr+4, 8, 15); err == nil {
		t.Fatal("misaligned pointer passed")
	}
	if e.last.Kind != report.AlignmentViolation {
		t.Fatalf("kind = %v", e.last.Kind)
	}

	if err := p.AlignCheck(ptr, 8, 40); err == nil {
		t.Fatal("offset window past node size accepted")
	}
	if e.last.Kind != report.InternalError {
		t.Fatalf("kind = %v", e.last.Kind)
	}
}

func TestRegisterUnregister(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	var stackObj [64]byte
	base := uintptr(unsafe.Pointer(&stackObj[0]))
	p.Register(base, 64)
	if err := p.Check(base + 10); err != nil {
		t.Fatalf("registered range rejected: %v", err)
	}
	if err := p.Free(base); err == nil {
		t.Fatal("free of registered range succeeded")
	}
	if e.last.Kind != report.UnknownFree {
		t.Fatalf("kind = %v", e.last.Kind)
	}
	p.Unregister(base)
	if err := p.CheckUI(base); err == nil {
		t.Fatal("unregistered range still checks")
	}
}

func TestCheckUIExternalFallback(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	e.deps.External.Register(0x7000_0000, 128)
	if err := p.CheckUI(0x7000_0040); err != nil {
		t.Fatalf("external object rejected: %v", err)
	}
	aborts := e.aborts
	if err := p.CheckUI(0x7100_0000); err == nil {
		t.Fatal("unknown pointer passed ui check")
	}
	if e.aborts != aborts {
		t.Fatal("ui check aborted")
	}
	e.deps.External.Unregister(0x7000_0000)
	if e.deps.External.Len() != 0 {
		t.Fatal("external registry not drained")
	}
}

func TestSingleArrayAllocation(t *testing.T) {
	e := newEnv(t, trappingOff())
	p := New("bulk", 64, e.deps)

	n := uintptr((slab.Capacity(64) + 1) * 64)
	ptr := p.Alloc(n)
	if ptr == 0 {
		t.Fatal("large alloc failed")
	}
	if err := p.Check(ptr + n - 1); err != nil {
		t.Fatalf("check at tail: %v", err)
	}
	st := p.Stats()
	if st.LargeSlabs != 1 {
		t.Fatalf("large slabs = %d", st.LargeSlabs)
	}
	if err := p.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if st := p.Stats(); st.LargeSlabs != 0 || st.NodesInUse != 0 {
		t.Fatalf("after free: %+v", st)
	}
}

func TestConcurrentAllocationsDisjoint(t *testing.T) {
	e := newEnv(t, config.Default())
	p := New("objs", 16, e.deps)

	const perG, workers = 200, 4
	var mu sync.Mutex
	var addrs []uintptr
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uintptr, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, p.Alloc(16))
			}
			mu.Lock()
			addrs = append(addrs, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for i := 1; i < len(addrs); i++ {
		if addrs[i]-addrs[i-1] < 16 {
			t.Fatalf("overlapping allocations %#x and %#x", addrs[i-1], addrs[i])
		}
	}
	_ = e
}

func TestDestroyRetainNone(t *testing.T) {
	cfg := config.Default()
	cfg.Retention = config.RetainNone
	e := newEnv(t, cfg)
	p := New("objs", 16, e.deps)

	ptr := p.Alloc(16)
	if err := p.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if e.deps.Trap.Trapped() != 1 {
		t.Fatalf("trapped = %d", e.deps.Trap.Trapped())
	}
	p.Destroy()
	if e.deps.Trap.Trapped() != 0 {
		t.Fatal("registry not drained by destroy")
	}
	if e.deps.Pages.Mapped() != 0 {
		t.Fatalf("pages still mapped: %d", e.deps.Pages.Mapped())
	}
}

func TestStatsAccounting(t *testing.T) {
	e := newEnv(t, trappingOff())
	p := New("objs", 16, e.deps)

	a := p.Alloc(16)
	p.Alloc(5 * 16)
	st := p.Stats()
	if st.NodesInUse != 6 || st.LiveObjects != 2 || st.Slabs != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if err := p.Free(a); err != nil {
		t.Fatal(err)
	}
	if st := p.Stats(); st.NodesInUse != 5 || st.LiveObjects != 1 {
		t.Fatalf("stats after free = %+v", st)
	}
}
