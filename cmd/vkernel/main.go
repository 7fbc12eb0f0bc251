// Command vkernel is the kernel entry point: the staged bring-up the
// boot stub hands control to once it has dropped into EL1 with the MMU
// off and interrupts masked, per spec.md §6's boot contract.
//
// Grounded on iansmith-mazarin/src/mazboot/golang/main/kernel.go's
// KernelMain — same noinline, never-returns entry function and the
// same staged-bring-up shape (UART/logging first, then memory, then
// interrupts, then devices) — but replaces that file's raw uartPuts
// tracing and Raspberry Pi 4 peripheral bring-up with this core's own
// internal/klog sink and the QEMU virt/VirtIO device set spec.md §4
// names, and drives every subsystem through its own package instead of
// kernel.go's single monolithic file.
package main

import (
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/blockdev"
	"vkernel/internal/bootcfg"
	"vkernel/internal/chromefont"
	"vkernel/internal/compositor"
	"vkernel/internal/elfload"
	"vkernel/internal/fsiface"
	"vkernel/internal/gic"
	"vkernel/internal/gpudev"
	"vkernel/internal/inputdev"
	"vkernel/internal/kheap"
	"vkernel/internal/klog"
	"vkernel/internal/pmm"
	"vkernel/internal/proc"
	"vkernel/internal/svc"
	"vkernel/internal/timer"
	"vkernel/internal/trap"
	"vkernel/internal/uartcon"
	"vkernel/internal/vmm"
)

// ramSizeBytes is the extent of RAM the kernel identity-maps at boot,
// per spec.md §4.B(i) ("identity-maps 1 GiB of RAM").
const ramSizeBytes = 1 << 30

// fallbackReservedFrames and fallbackHeapBytes cover direct-kernel QEMU
// boot, where no boot stub runs and bootcfg.Decode's nil-pointer case
// returns a zero BootInfo with no page counts or heap region to read.
// Sized generously enough for this kernel's own image plus the
// compositor's framebuffer-sized window allocations; a real boot stub
// supplies the exact figures instead (SPEC_FULL.md Open Question
// resolution, recorded in DESIGN.md).
const (
	fallbackReservedFrames = 4096 // 16 MiB
	fallbackHeapBytes      = 8 << 20
)

var fallbackHeap [fallbackHeapBytes]byte

// firstInputSlot and lastInputSlot bound the sub-range of the VirtIO
// probe band inputdev.Probe scans for mouse/keyboard devices; blockdev
// and gpudev are each attached to their own fixed slot instead, since
// QEMU's virt machine assigns one device per -device flag to the next
// free slot in command-line order.
const (
	blockSlot       = 0
	gpuSlot         = 1
	firstInputSlot  = 2
	lastInputSlot   = 5
	virtqueueSize   = 16
	blockQueueSize  = 16
	keyboardIRQBase = 48 // interrupt ID of VirtIO slot 0 on the virt platform; slot n raises keyboardIRQBase+n
)

// KernelMain is the kernel entry point, called by the boot stub with
// interrupts masked, the MMU off, and a single hart active at EL1.
// bootInfoPtr is the `boot_info` symbol's value; a nil pointer means no
// boot stub ran.
//
//go:noinline
func KernelMain(bootInfoPtr unsafe.Pointer) {
	klog.SetSink(uartcon.New())
	klog.SetLevel(klog.Error | klog.Warn | klog.Info | klog.Stats)
	klog.Infof("vkernel: boot")

	boot := bootcfg.Decode(bootInfoPtr)

	alloc := bringUpMemory(boot)
	kernelAS := buildKernelMap(alloc)
	heap := bringUpHeap(boot)

	bringUpInterrupts()

	gpu, mode, fb := attachGPU(alloc)
	wm := bringUpCompositor(heap, gpu, fb, mode)
	kb := attachInput(alloc, wm, wm)

	fs, console := bringUpFilesystem(alloc, kernelAS)

	procs := proc.NewTable(kernelAS, alloc)
	dispatcher := svc.NewDispatcher(procs, timerClock{}, kb, wm, console)

	trap.SetScheduler(procs.Schedule)
	trap.SetSyscallHandler(dispatcher.Dispatch)
	trap.SetProcessKiller(func(f *trap.Frame, reason string) { killProcess(procs, f, reason) })
	trap.SetPanicHandler(func(msg string) { klog.Fatalf(1, "vkernel: %s", msg) })

	init := loadInitProcess(fs, procs, alloc)

	archasm.EnableIRQs()
	klog.Infof("vkernel: starting pid %d", init.ID)
	procs.StartFirst(init)
}

// timerClock adapts internal/timer's package-level Jiffies to svc.Clock.
type timerClock struct{}

func (timerClock) Jiffies() uint64 { return timer.Jiffies() }

func bringUpMemory(boot bootcfg.BootInfo) *pmm.Allocator {
	reserved := uint32(fallbackReservedFrames)
	if boot.KernelCodeStart != 0 {
		reserved = uint32(boot.KernelCodePages()) + uint32(boot.StackPages()) +
			uint32(boot.HeapPages()) + uint32(boot.ReadOnlyPages()) +
			uint32(boot.ReadWritePages()) + uint32(boot.UninitializedPages())
	}
	return pmm.New(bootcfg.RAMBase, ramSizeBytes, reserved)
}

// buildKernelMap constructs the kernel's address space per spec.md
// §4.B(i-ii): RAM identity-mapped as normal write-back memory with
// kernel RW and execute-never from EL0, the MMIO aperture identity-
// mapped as device nGnRE with both privilege levels execute-never, and
// then turns the MMU on.
func buildKernelMap(alloc *pmm.Allocator) *vmm.AddressSpace {
	kernelAS, err := vmm.NewAddressSpace(alloc)
	if err != nil {
		klog.Fatalf(1, "vmm: could not allocate the kernel's top-level table: %v", err)
	}

	const ramAttrs = vmm.PTEAttrNormal | vmm.PTEAPRWEL1 | vmm.PTESHInner | vmm.PTEUXN
	for pa := uintptr(bootcfg.RAMBase); pa < bootcfg.RAMBase+ramSizeBytes; pa += pmm.FrameSize {
		if err := kernelAS.Map(pa, pa, ramAttrs); err != nil {
			klog.Fatalf(1, "vmm: identity-mapping RAM at %#x: %v", pa, err)
		}
	}

	const mmioAttrs = vmm.PTEAttrDevice | vmm.PTEAPRWEL1 | vmm.PTEUXN | vmm.PTEPXN
	for pa := uintptr(bootcfg.MMIOApertureStart); pa < bootcfg.MMIOApertureEnd; pa += pmm.FrameSize {
		if err := kernelAS.Map(pa, pa, mmioAttrs); err != nil {
			klog.Fatalf(1, "vmm: identity-mapping MMIO at %#x: %v", pa, err)
		}
	}

	vmm.EnableKernelMMU(kernelAS)
	klog.Infof("vmm: MMU enabled")
	return kernelAS
}

func bringUpHeap(boot bootcfg.BootInfo) *kheap.Heap {
	buf := fallbackHeap[:]
	if boot.HeapStart != 0 && boot.HeapPages() != 0 {
		n := uintptr(boot.HeapPages()) * pmm.FrameSize
		buf = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(boot.HeapStart))), n)
	}
	heap, err := kheap.New(buf)
	if err != nil {
		klog.Fatalf(1, "kheap: %v", err)
	}
	return heap
}

func bringUpInterrupts() {
	gic.Init()
	gic.RegisterHandler(timer.IRQID, func(uint32) { timer.Tick() })
	timer.Init()
	gic.Enable(timer.IRQID)
	klog.Infof("gic: timer IRQ %d armed at %d Hz", timer.IRQID, timer.HZ)
}

func attachGPU(alloc *pmm.Allocator) (*gpudev.Driver, gpudev.DisplayMode, []byte) {
	gpu, mode, err := gpudev.Attach(gpuSlot, alloc, virtqueueSize)
	if err != nil {
		klog.Fatalf(1, "gpudev: %v", err)
	}
	if !mode.Enabled {
		mode.Width, mode.Height = 1024, 768
	}
	fbSize := uintptr(mode.Width) * uintptr(mode.Height) * 4
	framesNeeded := uint32((fbSize + pmm.FrameSize - 1) / pmm.FrameSize)
	phys, err := alloc.AllocFrames(framesNeeded)
	if err != nil {
		klog.Fatalf(1, "pmm: allocating framebuffer: %v", err)
	}
	fb := unsafe.Slice((*byte)(unsafe.Pointer(phys)), fbSize)
	if err := gpu.SetupFramebuffer(fb, mode.Width, mode.Height); err != nil {
		klog.Fatalf(1, "gpudev: %v", err)
	}
	klog.Infof("gpudev: framebuffer %dx%d ready", mode.Width, mode.Height)
	return gpu, mode, fb
}

func bringUpCompositor(heap *kheap.Heap, gpu *gpudev.Driver, fb []byte, mode gpudev.DisplayMode) *compositor.Compositor {
	compositor.Glyph = chromefont.Render
	return compositor.New(heap, gpu, fb, int32(mode.Width), int32(mode.Height))
}

// noKeyboard is an svc.Keyboard that never has a byte ready, used when
// no virtio-input device answered the probe so the dispatcher's fd-0
// read path still has something to call.
type noKeyboard struct{}

func (noKeyboard) ReadByte() (byte, bool) { return 0, false }

func attachInput(alloc *pmm.Allocator, mouse inputdev.MouseSink, click inputdev.ClickSink) svc.Keyboard {
	var drivers []*inputdev.Driver
	for slot := firstInputSlot; slot <= lastInputSlot; slot++ {
		for _, d := range inputdev.Probe(slot, slot, alloc, mouse, click) {
			inputdev.RegisterIRQ(uint32(keyboardIRQBase+slot), d)
			drivers = append(drivers, d)
		}
	}
	if len(drivers) == 0 {
		klog.Warnf("inputdev: no virtio-input device found in slots %d-%d", firstInputSlot, lastInputSlot)
		return noKeyboard{}
	}
	klog.Infof("inputdev: %d device(s) attached", len(drivers))
	return drivers[0]
}

// bringUpFilesystem attaches the virtio-blk device backing user
// binaries and wires the console fd-1/2 fallback. Parsing an on-disk
// format richer than a flat directory table of (name, inode, blocks)
// is out of scope (spec.md §1's "read-only filesystem driver beyond
// find_inode/read_inode"); fsiface.DiskFS implements exactly that
// boundary over the block driver.
func bringUpFilesystem(alloc *pmm.Allocator, kernelAS *vmm.AddressSpace) (fsiface.Filesystem, *uartcon.Console) {
	console := uartcon.New()
	blk, err := blockdev.Attach(blockSlot, alloc, blockQueueSize)
	if err != nil {
		klog.Warnf("blockdev: %v; falling back to an empty in-memory filesystem", err)
		return fsiface.NewMemFS(nil), console
	}
	klog.Infof("blockdev: attached")
	return fsiface.NewDiskFS(blk), console
}

const initPath = "/init"

func loadInitProcess(fs fsiface.Filesystem, procs *proc.Table, alloc *pmm.Allocator) *proc.Process {
	p, err := procs.Create("init")
	if err != nil {
		klog.Fatalf(1, "proc: creating the init process: %v", err)
	}
	if err := elfload.Load(fs, initPath, p, alloc); err != nil {
		klog.Fatalf(1, "elfload: loading %s: %v", initPath, err)
	}
	return p
}

// killProcess backs trap's process-killer hook: mark the faulting
// (current) process a zombie and park it. Process reclaim is an
// explicit non-goal (spec.md §1), so its table slot is never reused.
func killProcess(procs *proc.Table, f *trap.Frame, reason string) {
	klog.Errorf("proc: killed: %s", reason)
	if p, err := procs.Current(); err == nil {
		p.State = proc.Zombie
	}
	for {
		archasm.WaitForEvent()
	}
}

func main() {
	// Unreachable: this image has no OS to exec it under. The boot stub
	// transfers control straight to KernelMain.
}
