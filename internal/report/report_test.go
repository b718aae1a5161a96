package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViolationString(t *testing.T) {
	v := &Violation{
		Kind:      DanglingAccess,
		FaultAddr: 0xdead00,
		FaultPC:   0x401234,
		PoolName:  "pool-1",
		NodeSize:  16,
		ObjStart:  0xdead00,
		ObjLen:    16,
		AllocID:   1,
		AllocSite: 0x400100,
		FreeID:    1,
		FreeSite:  0x400200,
	}
	s := v.String()
	assert.Contains(t, s, "Dangling Pointer Error")
	assert.Contains(t, s, "0xdead00")
	assert.Contains(t, s, "allocation generation number   :\t1")
	assert.Contains(t, s, "free generation number         :\t1")
	assert.Contains(t, s, "pool-1 (node size 16)")
	assert.Contains(t, s, "[0xdead00, 0xdead10)")
}

func TestViolationStringOmitsUnsetSections(t *testing.T) {
	v := &Violation{Kind: OutOfBounds, FaultAddr: 0x1000, FaultPC: 0x2000}
	s := v.String()
	assert.NotContains(t, s, "generation number")
	assert.NotContains(t, s, "Pool ")
	assert.Contains(t, s, "Out of Bounds Error")
}

func TestReporterWarnContinues(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out)
	aborted := false
	r.SetAbort(func(int) { aborted = true })

	r.Warn(&Violation{Kind: UnknownObject, FaultAddr: 0x10})
	assert.False(t, aborted, "Warn must not abort")
	assert.Equal(t, 1, r.Alerts())
	assert.Contains(t, out.String(), "alert #0001")
}

func TestReporterReportAborts(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out)
	code := -1
	r.SetAbort(func(c int) { code = c })

	var seen *Violation
	r.SetObserver(func(v *Violation) { seen = v })

	r.Report(&Violation{Kind: DoubleFree, FaultAddr: 0x20})
	assert.Equal(t, 1, code, "Report must abort with exit code 1")
	require.NotNil(t, seen)
	assert.Equal(t, DoubleFree, seen.Kind)
	assert.Contains(t, out.String(), "Double Free Error")
}

func TestAlertCounterIncrements(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out)
	r.SetAbort(func(int) {})
	for i := 0; i < 3; i++ {
		r.Warn(&Violation{Kind: OutOfBounds})
	}
	assert.Equal(t, 3, r.Alerts())
	assert.Contains(t, out.String(), "alert #0003")
}
