// Package report renders and dispatches memory-safety violation reports.
// Every fatal path in the runtime funnels through a Reporter, which
// flushes a full diagnostic before terminating the process, so a single
// failing run is debuggable without re-execution.
package report

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Kind classifies a violation.
type Kind int

const (
	// OutOfBounds is a pointer outside its object's bounds.
	OutOfBounds Kind = iota
	// UnknownObject is a pointer that lies in no registered object.
	UnknownObject
	// DanglingAccess is a load or store through a freed object.
	DanglingAccess
	// DoubleFree is a free of an object that was already freed.
	DoubleFree
	// UnknownFree is a free of an address with no registered object.
	UnknownFree
	// AlignmentViolation is a pointer outside the permitted sub-object
	// offset range of its node.
	AlignmentViolation
	// RewriteExhaustion means the sentinel address range ran out.
	RewriteExhaustion
	// InternalError is an inconsistency inside the runtime itself, such
	// as an unrecognized sentinel pointer.
	InternalError
)

// String returns the human-readable name of the violation kind.
func (k Kind) String() string {
	switch k {
	case OutOfBounds:
		return "Out of Bounds Error"
	case UnknownObject:
		return "Unknown Object Error"
	case DanglingAccess:
		return "Dangling Pointer Error"
	case DoubleFree:
		return "Double Free Error"
	case UnknownFree:
		return "Unknown Free Error"
	case AlignmentViolation:
		return "Alignment Error"
	case RewriteExhaustion:
		return "Rewrite Exhaustion Error"
	case InternalError:
		return "Internal Error"
	default:
		return "Unknown Error"
	}
}

// Violation carries everything a report needs. Fields that do not apply
// to the kind are left zero and omitted from the rendered block.
type Violation struct {
	Kind      Kind
	Message   string
	FaultAddr uintptr
	FaultPC   uintptr

	// Pool context.
	PoolName string
	NodeSize int

	// Object bounds, when the object is known.
	ObjStart uintptr
	ObjLen   uintptr

	// Bounds-check context: the base pointer and the derived pointer.
	SrcPtr uintptr
	DstPtr uintptr

	// Dangling provenance.
	AllocID   uint64
	AllocSite uintptr
	FreeID    uint64
	FreeSite  uintptr
}

// String renders the one-line machine-readable header followed by the
// alert block.
func (v *Violation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vigil: violation type %d when accessing %#x at pc=%#x\n",
		v.Kind, v.FaultAddr, v.FaultPC)
	b.WriteString("=======+++++++    VIGIL RUNTIME ALERT    +++++++=======\n")
	fmt.Fprintf(&b, "= Error type                            :\t%s\n", v.Kind)
	if v.Message != "" {
		fmt.Fprintf(&b, "= Description                           :\t%s\n", v.Message)
	}
	fmt.Fprintf(&b, "= Program counter                       :\t%#x\n", v.FaultPC)
	fmt.Fprintf(&b, "= Faulting pointer                      :\t%#x\n", v.FaultAddr)
	if v.PoolName != "" {
		fmt.Fprintf(&b, "= Pool                                  :\t%s (node size %d)\n",
			v.PoolName, v.NodeSize)
	}
	if v.ObjLen != 0 || v.ObjStart != 0 {
		fmt.Fprintf(&b, "= Object bounds                         :\t[%#x, %#x)\n",
			v.ObjStart, v.ObjStart+v.ObjLen)
	}
	if v.SrcPtr != 0 || v.DstPtr != 0 {
		fmt.Fprintf(&b, "= Source pointer                        :\t%#x\n", v.SrcPtr)
		fmt.Fprintf(&b, "= Destination pointer                   :\t%#x\n", v.DstPtr)
	}
	if v.AllocID != 0 {
		fmt.Fprintf(&b, "= Object allocated at program counter   :\t%#x\n", v.AllocSite)
		fmt.Fprintf(&b, "= Object allocation generation number   :\t%d\n", v.AllocID)
	}
	if v.FreeID != 0 {
		fmt.Fprintf(&b, "= Object freed at program counter       :\t%#x\n", v.FreeSite)
		fmt.Fprintf(&b, "= Object free generation number         :\t%d\n", v.FreeID)
	}
	b.WriteString("=======+++++++    end of runtime alert   +++++++=======")
	return b.String()
}

// Reporter logs violations and terminates the process on fatal ones.
// The abort hook and an optional observer are injectable for tests.
type Reporter struct {
	mu       sync.Mutex
	logger   *log.Logger
	abort    func(code int)
	observer func(*Violation)
	alerts   int
}

// NewReporter creates a Reporter writing to w, or to stderr when w is
// nil.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stderr
	}
	return &Reporter{
		logger: log.New(w, "", 0),
		abort:  os.Exit,
	}
}

// SetAbort replaces the process-termination hook. Test hook.
func (r *Reporter) SetAbort(f func(code int)) {
	r.mu.Lock()
	r.abort = f
	r.mu.Unlock()
}

// SetObserver registers a callback invoked with every violation before
// it is logged.
func (r *Reporter) SetObserver(f func(*Violation)) {
	r.mu.Lock()
	r.observer = f
	r.mu.Unlock()
}

// Alerts returns the number of violations seen so far.
func (r *Reporter) Alerts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts
}

func (r *Reporter) emit(v *Violation) func(int) {
	r.mu.Lock()
	r.alerts++
	alert := r.alerts
	observer := r.observer
	abort := r.abort
	r.mu.Unlock()
	if observer != nil {
		observer(v)
	}
	r.logger.Printf("alert #%04d\n%s", alert, v.String())
	return abort
}

// Report logs the violation and aborts the process.
func (r *Reporter) Report(v *Violation) {
	abort := r.emit(v)
	abort(1)
}

// Warn logs the violation and continues. This is the unchecked-variant
// path for pointers whose provenance the instrumentation cannot prove.
func (r *Reporter) Warn(v *Violation) {
	r.emit(v)
}
