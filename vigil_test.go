package vigil

import (
	"testing"

	"github.com/vigilmem/vigil/internal/config"
	"github.com/vigilmem/vigil/internal/report"
)

type capture struct {
	rt     *Runtime
	last   *report.Violation
	aborts int
}

func newCapture(cfg Config) *capture {
	c := &capture{rt: NewRuntime(cfg)}
	c.rt.Reporter().SetAbort(func(int) { c.aborts++ })
	c.rt.Reporter().SetObserver(func(v *report.Violation) { c.last = v })
	return c
}

// End-to-end freed-memory scenario: allocate the first object of a
// 16-byte pool, free it, then read through the stale pointer. The
// report must carry allocation id 1 and free id 1.
func TestFreedReadReportsProvenance(t *testing.T) {
	cfg := config.Default()
	c := newCapture(cfg)
	p := c.rt.PoolInit("nodes", 16)

	ptr := c.rt.PoolAlloc(p, 16)
	if err := c.rt.Store(ptr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("store to live object: %v", err)
	}
	if err := c.rt.PoolFree(p, ptr); err != nil {
		t.Fatalf("free: %v", err)
	}

	if _, err := c.rt.Load(ptr, 4); err == nil {
		t.Fatal("read through freed pointer succeeded")
	}
	if c.last.Kind != report.DanglingAccess {
		t.Fatalf("kind = %v, want dangling access", c.last.Kind)
	}
	if c.last.AllocID != 1 || c.last.FreeID != 1 {
		t.Fatalf("generations = %d/%d, want 1/1", c.last.AllocID, c.last.FreeID)
	}
	if c.last.PoolName != "nodes" || c.last.NodeSize != 16 {
		t.Fatalf("pool summary = %q/%d", c.last.PoolName, c.last.NodeSize)
	}
	if c.aborts != 1 {
		t.Fatalf("aborts = %d", c.aborts)
	}
}

func TestRewriteRoundTrip(t *testing.T) {
	c := newCapture(config.Default())
	p := c.rt.PoolInit("arr", 8)
	ptr := c.rt.PoolAlloc(p, 40)

	sentinel, err := c.rt.BoundsCheck(p, ptr, ptr+40)
	if err != nil {
		t.Fatal(err)
	}
	if sentinel == ptr+40 {
		t.Fatal("one-past-end pointer not rewritten")
	}
	got, err := c.rt.GetActualValue(sentinel)
	if err != nil {
		t.Fatal(err)
	}
	if got != ptr+40 {
		t.Fatalf("resolved to %#x, want %#x", got, ptr+40)
	}

	// Untouched pointers pass through resolution unchanged.
	if got, err := c.rt.GetActualValue(ptr); err != nil || got != ptr {
		t.Fatalf("passthrough = %#x, %v", got, err)
	}
}

func TestExactCheck(t *testing.T) {
	c := newCapture(config.Default())

	if err := c.rt.ExactCheck(0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.rt.ExactCheck(9, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.rt.ExactCheck(10, 10); err == nil {
		t.Fatal("index == bound passed")
	}
	if err := c.rt.ExactCheck(-1, 10); err == nil {
		t.Fatal("negative index passed")
	}
	if c.last.Kind != report.OutOfBounds {
		t.Fatalf("kind = %v", c.last.Kind)
	}
}

func TestExactCheck2(t *testing.T) {
	c := newCapture(config.Default())
	base := uintptr(0x1000)

	for _, dst := range []uintptr{base, base + 31, base + 32} {
		got, err := c.rt.ExactCheck2(base, dst, 32)
		if err != nil || got != dst {
			t.Fatalf("ExactCheck2(%#x) = %#x, %v", dst, got, err)
		}
	}
	if _, err := c.rt.ExactCheck2(base, base+33, 32); err == nil {
		t.Fatal("escape past one-past-end passed")
	}
	if _, err := c.rt.ExactCheck2(base, base-1, 32); err == nil {
		t.Fatal("pointer before base passed")
	}
}

func TestFuncCheck(t *testing.T) {
	c := newCapture(config.Default())

	if err := c.rt.FuncCheck(0x4010, 0x4000, 0x4010); err != nil {
		t.Fatal(err)
	}
	if err := c.rt.FuncCheck(0x4020, 0x4000, 0x4010); err == nil {
		t.Fatal("unexpected target passed")
	}
	if c.last.Kind != report.OutOfBounds {
		t.Fatalf("kind = %v", c.last.Kind)
	}
}

func TestNilPoolRegisterGoesExternal(t *testing.T) {
	c := newCapture(config.Default())
	p := c.rt.PoolInit("objs", 16)

	c.rt.PoolRegister(nil, 0x9000_0000, 256)
	if err := c.rt.PoolCheckUI(p, 0x9000_0080); err != nil {
		t.Fatalf("external range rejected: %v", err)
	}
	c.rt.PoolUnregister(nil, 0x9000_0000)
	if err := c.rt.PoolCheckUI(p, 0x9000_0080); err == nil {
		t.Fatal("unregistered external range still accepted")
	}
}

func TestPoolStatsSnapshot(t *testing.T) {
	c := newCapture(config.Default())
	p := c.rt.PoolInit("objs", 16)
	c.rt.PoolAlloc(p, 16)
	c.rt.PoolAlloc(p, 16)

	st := c.rt.PoolStatsOf(p)
	if st.LiveObjects != 2 || st.NodesInUse != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestInitRuntimeIsOnce(t *testing.T) {
	a := InitRuntime(config.Default())
	b := Default()
	if a != b {
		t.Fatal("default runtime not a singleton")
	}
}
