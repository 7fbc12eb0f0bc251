// Package svc is the supervisor-call dispatcher: it decodes the syscall
// number and arguments out of a trapped register frame, routes to the
// handler named in spec.md §4.I's table, and writes the return value
// back into the frame.
//
// Grounded on iansmith-mazarin/src/mazboot/golang/main/exceptions.go's
// HandleSyscall — same switch-on-syscall-number-over-six-argument-
// registers dispatch shape — generalized from that file's Linux-ABI
// syscall numbers (read/write/openat/futex/mmap/...) to spec.md §4.I's
// own syscall table, since this core never hosts the Go runtime itself
// at EL0.
package svc

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/proc"
	"vkernel/internal/trap"
	"vkernel/internal/vmm"
)

// ErrNoWindow is returned by WindowManager.WriteToWindow when the
// calling process owns no window, so Dispatch falls back to the
// console.
var ErrNoWindow = errors.New("svc: process owns no window")

// Syscall numbers, per spec.md §4.I.
const (
	SysRead              = 63
	SysWrite             = 64
	SysExit              = 93
	SysGetTime           = 169
	SysGetPid            = 172
	SysDraw              = 200
	SysFlush             = 201
	SysCreateWindow      = 210
	SysWindowDraw        = 211
	SysCompositorRender  = 212
)

// errSentinel is the negative return value for an unknown syscall
// number or a failed operation, per spec.md §4.I/§7.
const errSentinel = -1

// Clock is the minimal surface svc needs to answer get_time.
type Clock interface {
	Jiffies() uint64
}

// Keyboard is the minimal surface svc needs to answer a blocking read
// from fd 0.
type Keyboard interface {
	// ReadByte pops one buffered character; ok is false if the buffer
	// is currently empty.
	ReadByte() (b byte, ok bool)
}

// WindowManager is the minimal surface svc needs to implement the
// window and drawing syscalls.
type WindowManager interface {
	CreateWindow(x, y, w, h int32, title string, owner int) (int32, error)
	WindowDraw(caller int, winID int32, x, y, w, h int32, color uint32) error
	// DrawForProcess implements syscall 200: fill a rectangle in
	// caller's own window, or directly in the framebuffer if caller
	// owns no window.
	DrawForProcess(caller int, x, y, w, h int32, color uint32) error
	Render()
	// WriteToWindow implements syscall 64 for fd 1/2 when caller owns
	// a window: route the bytes to its terminal state instead of the
	// console.
	WriteToWindow(caller int, data []byte) (int, error)
	// FocusPID names the pid whose window currently holds compositor
	// focus (the topmost by z-order), or -1 if no window is visible.
	// sysRead gates delivery of new keystrokes on this.
	FocusPID() int
}

// Console is where fd 1/2 writes land when the caller owns no window.
type Console interface {
	Write(data []byte) (int, error)
}

// Hardware touchpoint held as a function variable so tests can drive
// Dispatch's exit path without spinning for real.
var waitForEvent = archasm.WaitForEvent

// park is invoked by sysExit once a process has been marked Zombie; it
// never returns on real hardware — the busy-wait lets the timer IRQ
// still preempt and reschedule away from this kernel stack, since
// process reclaim is out of scope (spec.md §1 non-goal). Tests override
// it to return immediately.
var park = func() {
	for {
		waitForEvent()
	}
}

// Dispatcher holds the subsystem handles every syscall needs.
type Dispatcher struct {
	procs   *proc.Table
	clock   Clock
	kb      Keyboard
	windows WindowManager
	console Console

	// pending holds, per owning pid, keystrokes drained from the
	// keyboard while that pid's window held focus but that its process
	// has not yet read. Spec's read-is-gated-by-focus resolution: a
	// window only ever receives keystrokes while focused, but bytes it
	// already received stay queued for it even after focus moves on.
	pending map[int][]byte
}

// NewDispatcher builds a syscall dispatcher over the given subsystems.
func NewDispatcher(procs *proc.Table, clock Clock, kb Keyboard, windows WindowManager, console Console) *Dispatcher {
	return &Dispatcher{procs: procs, clock: clock, kb: kb, windows: windows, console: console, pending: make(map[int][]byte)}
}

// Dispatch is installed via trap.SetSyscallHandler. It reads the
// syscall number from x8 and the first six arguments from x0-x5, per
// spec.md §4.I's ABI, and writes the return value back into x0.
func (d *Dispatcher) Dispatch(f *trap.Frame) {
	num := f.X[8]
	a0, a1, a2, a3, a4, a5 := f.X[0], f.X[1], f.X[2], f.X[3], f.X[4], f.X[5]

	ret := d.dispatch(num, a0, a1, a2, a3, a4, a5)
	f.X[0] = uint64(ret)
}

func (d *Dispatcher) dispatch(num, a0, a1, a2, a3, a4, a5 uint64) int64 {
	caller, err := d.procs.Current()
	if err != nil {
		return errSentinel
	}

	switch num {
	case SysRead:
		return d.sysRead(caller, int32(a0), uintptr(a1), a2)
	case SysWrite:
		return d.sysWrite(caller, int32(a0), uintptr(a1), a2)
	case SysExit:
		return d.sysExit(caller, int32(a0))
	case SysGetTime:
		return int64(d.clock.Jiffies())
	case SysGetPid:
		return int64(caller.ID)
	case SysDraw:
		return d.sysDraw(caller, int32(a0), int32(a1), int32(a2), int32(a3), uint32(a4))
	case SysFlush:
		d.windows.Render()
		return 0
	case SysCreateWindow:
		return d.sysCreateWindow(caller, int32(a0), int32(a1), int32(a2), int32(a3), uintptr(a4))
	case SysWindowDraw:
		return d.sysWindowDraw(caller, int32(a0), int32(a1), int32(a2), int32(a3), int32(a4), uint32(a5))
	case SysCompositorRender:
		d.windows.Render()
		return 0
	default:
		return errSentinel
	}
}

// sysRead only honors fd 0: block until the caller's window holds
// compositor focus and a character arrives, then write exactly one
// byte into the caller's buffer. A window only ever receives new
// keystrokes while focused; bytes it already received stay queued in
// d.pending even after focus moves to another window, so a later read
// still delivers them.
func (d *Dispatcher) sysRead(caller *proc.Process, fd int32, bufVA uintptr, count uint64) int64 {
	if fd != 0 || count == 0 {
		return errSentinel
	}

	var b byte
	for {
		d.drainKeyboardToFocused()
		if buf := d.pending[caller.ID]; len(buf) > 0 {
			b = buf[0]
			d.pending[caller.ID] = buf[1:]
			break
		}
		waitForEvent()
	}

	if err := writeUser(caller.AddressSpace, bufVA, []byte{b}); err != nil {
		return errSentinel
	}
	return 1
}

// drainKeyboardToFocused moves every byte currently buffered in the
// keyboard driver into d.pending under whichever pid holds compositor
// focus right now. A byte's destination is fixed at the moment it is
// drained, per spec's "delivers keystrokes only while focused"
// resolution — it is not re-routed if focus changes afterward.
func (d *Dispatcher) drainKeyboardToFocused() {
	for {
		got, ok := d.kb.ReadByte()
		if !ok {
			return
		}
		focus := d.windows.FocusPID()
		d.pending[focus] = append(d.pending[focus], got)
	}
}

// sysWrite routes fd 1/2 to the caller's window if it has one, else to
// the console.
func (d *Dispatcher) sysWrite(caller *proc.Process, fd int32, bufVA uintptr, count uint64) int64 {
	if fd != 1 && fd != 2 {
		return errSentinel
	}
	data, err := readUser(caller.AddressSpace, bufVA, count)
	if err != nil {
		return errSentinel
	}

	n, err := d.windows.WriteToWindow(caller.ID, data)
	if err == ErrNoWindow {
		n, err = d.console.Write(data)
	}
	if err != nil {
		return errSentinel
	}
	return int64(n)
}

func (d *Dispatcher) sysExit(caller *proc.Process, status int32) int64 {
	caller.State = proc.Zombie
	park()
	return 0 // unreachable on real hardware; kept for the test double's sake
}

func (d *Dispatcher) sysDraw(caller *proc.Process, x, y, w, h int32, color uint32) int64 {
	if err := d.windows.DrawForProcess(caller.ID, x, y, w, h, color); err != nil {
		return errSentinel
	}
	return 0
}

func (d *Dispatcher) sysCreateWindow(caller *proc.Process, x, y, w, h int32, titleVA uintptr) int64 {
	title, err := readUserCString(caller.AddressSpace, titleVA, 256)
	if err != nil {
		return errSentinel
	}
	id, err := d.windows.CreateWindow(x, y, w, h, title, caller.ID)
	if err != nil {
		return errSentinel
	}
	return int64(id)
}

// sysWindowDraw passes the caller's pid through unchanged; the
// ownership check (owner match, or the exempt init process) lives in
// the WindowManager, which is the sole owner of window records.
func (d *Dispatcher) sysWindowDraw(caller *proc.Process, winID, x, y, w, h int32, color uint32) int64 {
	if err := d.windows.WindowDraw(caller.ID, winID, x, y, w, h, color); err != nil {
		return errSentinel
	}
	return 0
}

// physBytes turns a physical address and length into a byte slice.
// physBytes casts directly, valid only because kernel RAM is
// identity-mapped; tests override it with a fake backed by a real
// Go-managed buffer.
var physBytes = func(phys uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(phys)), n)
}

// writeUser copies data into va within as, crossing page boundaries as
// needed.
func writeUser(as *vmm.AddressSpace, va uintptr, data []byte) error {
	n := 0
	for n < len(data) {
		pa, off, chunk, err := translateChunk(as, va+uintptr(n), len(data)-n)
		if err != nil {
			return err
		}
		copy(physBytes(pa, off+chunk)[off:], data[n:n+chunk])
		n += chunk
	}
	return nil
}

// readUser copies n bytes starting at va within as into a fresh slice.
func readUser(as *vmm.AddressSpace, va uintptr, n uint64) ([]byte, error) {
	out := make([]byte, n)
	read := 0
	for read < len(out) {
		pa, off, chunk, err := translateChunk(as, va+uintptr(read), len(out)-read)
		if err != nil {
			return nil, err
		}
		copy(out[read:read+chunk], physBytes(pa, off+chunk)[off:])
		read += chunk
	}
	return out, nil
}

// readUserCString reads a NUL-terminated string of at most maxLen
// bytes starting at va.
func readUserCString(as *vmm.AddressSpace, va uintptr, maxLen int) (string, error) {
	buf := make([]byte, 0, 32)
	for i := 0; i < maxLen; i++ {
		b, err := readUser(as, va+uintptr(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}

const pageSize = 4096

// translateChunk resolves va to a physical address and reports how
// many of the requested bytes lie within that page, along with the
// byte offset within the page.
func translateChunk(as *vmm.AddressSpace, va uintptr, want int) (pa uintptr, pageOff, chunk int, err error) {
	pageVA := va &^ (pageSize - 1)
	off := int(va - pageVA)
	framePA, terr := as.Translate(pageVA)
	if terr != nil {
		return 0, 0, 0, terr
	}
	remaining := pageSize - off
	if remaining > want {
		remaining = want
	}
	return framePA, off, remaining, nil
}
