// Package proc is the fixed-capacity process table and round-robin
// scheduler: process creation (address space, kernel stack, initial
// register frame), and the tick-driven Schedule called out of the
// timer interrupt handler.
//
// Grounded on iansmith-feelings/src/joy/family.go for the
// fixed-capacity-array-of-slots shape (familyImpl [maxFamilies]*family,
// findFamilySlot, one-based/stable identifiers) generalized to
// spec.md §4.G's exact scheduling contract — pure round-robin through
// the populated prefix of the table rather than family.go's own
// priority-plus-decrementing-counter scheme, which belongs to the
// priority scheduler this kernel replaces (SPEC_FULL.md Open Question
// resolution). There is no family.go equivalent of
// "never freed in the current core" being an explicit, permanent
// design choice rather than a missing feature — it is honored here by
// never removing a slot once populated.
package proc

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/pmm"
	"vkernel/internal/trap"
	"vkernel/internal/vmm"
)

// MaxProcesses bounds the process table, per spec.md §4.G's
// "fixed-capacity array of process slots".
const MaxProcesses = 64

// State names where a process sits in its lifecycle. There is no
// terminal "freed" state: process reclaim is an explicit non-goal.
type State int

const (
	Created State = iota
	Runnable
	Running
	Zombie
)

var (
	ErrTableFull = errors.New("proc: process table is full")
	ErrNoCurrent = errors.New("proc: no process is currently scheduled")
)

// frameAllocator is the minimal surface proc needs from a physical
// frame allocator; *pmm.Allocator satisfies it.
type frameAllocator interface {
	AllocFrame() (uintptr, error)
}

// Process is one fixed-capacity table slot, per spec.md §3 "Process".
type Process struct {
	ID             int // one-based, stable for the process's lifetime
	Name           string
	AddressSpace   *vmm.AddressSpace
	KernelStackTop uintptr // one past the last byte of the kernel stack frame
	Frame          *trap.Frame
	EntryPoint     uintptr
	UserSP         uintptr
	State          State
}

// Table is the fixed-capacity process pool and the round-robin cursor
// over its populated prefix.
type Table struct {
	alloc   frameAllocator
	kernel  *vmm.AddressSpace
	slots   [MaxProcesses]*Process
	count   int
	current int
}

// Hardware touchpoints held as function variables so tests can drive
// Schedule/StartFirst without a linked boot stub.
var (
	writeTTBR0 = archasm.WriteTTBR0
	tlbiAll    = archasm.TLBIAll
	isb        = archasm.Isb
	enterUser  = archasm.EnterUser
)

// NewTable creates an empty process table. kernel is the already-built
// kernel address space whose upper half every process's own table will
// carry a copy of (vmm.NewProcessAddressSpace).
func NewTable(kernel *vmm.AddressSpace, alloc frameAllocator) *Table {
	return &Table{kernel: kernel, alloc: alloc}
}

// Count reports the number of populated slots.
func (t *Table) Count() int { return t.count }

// Create reserves the next free slot: a fresh address space copying
// the kernel half, one frame for the kernel stack, and a zeroed saved
// register frame at the top of that stack.
func (t *Table) Create(name string) (*Process, error) {
	if t.count >= MaxProcesses {
		return nil, ErrTableFull
	}

	as, err := vmm.NewProcessAddressSpace(t.kernel, t.alloc)
	if err != nil {
		return nil, err
	}

	stackBase, err := t.alloc.AllocFrame()
	if err != nil {
		return nil, err
	}
	stackTop := stackBase + pmm.FrameSize

	frame := (*trap.Frame)(unsafe.Pointer(stackTop - uintptr(unsafe.Sizeof(trap.Frame{}))))
	*frame = trap.Frame{}

	p := &Process{
		ID:             t.count + 1,
		Name:           name,
		AddressSpace:   as,
		KernelStackTop: stackTop,
		Frame:          frame,
		State:          Created,
	}
	t.slots[t.count] = p
	t.count++
	return p, nil
}

// Current returns the process in the scheduler's current slot, or
// ErrNoCurrent while the table is empty. Before StartFirst runs, that
// slot is the first process created.
func (t *Table) Current() (*Process, error) {
	if t.count == 0 {
		return nil, ErrNoCurrent
	}
	return t.slots[t.current], nil
}

func (t *Table) installAddressSpace(p *Process) {
	writeTTBR0(p.AddressSpace.RootPhys())
	isb()
	tlbiAll()
	isb()
}

// Schedule implements spec.md §4.G's round-robin step, invoked from
// the timer interrupt handler with the frame just saved for the
// process that was running: record that frame against the current
// process, advance to the next slot modulo the populated count,
// install its address space, and return its saved frame for the IRQ
// vector's epilogue to restore from.
func (t *Table) Schedule(currentFrame *trap.Frame) *trap.Frame {
	if t.count == 0 {
		return currentFrame
	}

	cur := t.slots[t.current]
	cur.Frame = currentFrame
	cur.State = Runnable

	t.current = (t.current + 1) % t.count

	next := t.slots[t.current]
	t.installAddressSpace(next)
	next.State = Running

	return next.Frame
}

// StartFirst installs p's address space and transfers to user mode at
// its entry point and user stack pointer. It does not return.
func (t *Table) StartFirst(p *Process) {
	for i, slot := range t.slots[:t.count] {
		if slot == p {
			t.current = i
			break
		}
	}
	t.installAddressSpace(p)
	p.State = Running
	enterUser(p.EntryPoint, p.UserSP)
}
