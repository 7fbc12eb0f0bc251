package compositor

import (
	"testing"
	"unsafe"

	"vkernel/internal/svc"
)

// fakeHeap is a trivial allocator over a plain Go byte slab, letting
// tests exercise window creation/destruction without kheap.Heap's
// magic-word bookkeeping.
type fakeHeap struct {
	slabs [][]byte
}

func (h *fakeHeap) Alloc(size uint32) (unsafe.Pointer, error) {
	buf := make([]byte, size)
	h.slabs = append(h.slabs, buf)
	if size == 0 {
		return nil, nil
	}
	return unsafe.Pointer(&buf[0]), nil
}

func (h *fakeHeap) Free(ptr unsafe.Pointer) error { return nil }

type fakeFlusher struct {
	calls int
	x, y, w, h uint32
}

func (f *fakeFlusher) Flush(x, y, w, h uint32) error {
	f.calls++
	f.x, f.y, f.w, f.h = x, y, w, h
	return nil
}

func newTestCompositor(width, height int32) (*Compositor, *fakeHeap, *fakeFlusher) {
	h := &fakeHeap{}
	gpu := &fakeFlusher{}
	fb := make([]byte, int(width)*int(height)*bytesPerPixel)
	return New(h, gpu, fb, width, height), h, gpu
}

func fbPixelAt(c *Compositor, x, y int32) uint32 {
	off := (y*c.fbWidth + x) * bytesPerPixel
	b := c.fb[off : off+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestCreateAssignsIncreasingIDsAndFillsBackground(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)

	id1, err := c.Create(10, 10, 4, 4, "a", 3)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id2, err := c.Create(20, 20, 4, 4, "b", 3)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id2 <= id1 {
		t.Errorf("id2 = %d, want > id1 = %d", id2, id1)
	}

	win := c.findLocked(id1)
	if win == nil {
		t.Fatal("findLocked() = nil for just-created window")
	}
	for _, p := range win.buf {
		if p != 0xFF1A1A2E {
			t.Fatalf("buf pixel = %#x, want background 0xFF1A1A2E", p)
		}
	}
}

func TestCreateMarksWindowProtectedOnlyForShellPID(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)

	shellID, _ := c.Create(0, 0, 4, 4, "shell", 2)
	otherID, _ := c.Create(0, 0, 4, 4, "other", 5)

	if !c.findLocked(shellID).protected {
		t.Errorf("window owned by pid 2 is not protected")
	}
	if c.findLocked(otherID).protected {
		t.Errorf("window owned by pid 5 is protected")
	}
}

func TestCreateRejectsWhenTableIsFull(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	for i := 0; i < MaxWindows; i++ {
		if _, err := c.Create(0, 0, 1, 1, "w", 3); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}
	if _, err := c.Create(0, 0, 1, 1, "overflow", 3); err != ErrTooManyWindows {
		t.Errorf("Create() on full table error = %v, want ErrTooManyWindows", err)
	}
}

func TestDestroyZeroesRecordAndFreesSlotForReuse(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 4, 4, "w", 3)

	if err := c.Destroy(id); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if c.findLocked(id) != nil {
		t.Errorf("findLocked() found a window after Destroy")
	}

	id2, err := c.Create(0, 0, 4, 4, "w2", 3)
	if err != nil {
		t.Fatalf("Create() after Destroy error = %v", err)
	}
	if id2 == id {
		t.Errorf("reused window id %d without bumping nextID", id2)
	}
}

func TestDestroyUnknownIDReturnsError(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	if err := c.Destroy(999); err != ErrNoSuchWindow {
		t.Errorf("Destroy() error = %v, want ErrNoSuchWindow", err)
	}
}

func TestDrawRectFillsClippedRegionForOwner(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 10, 10, "w", 7)

	if err := c.DrawRect(id, -2, -2, 5, 5, 0xFFFF0000, 7); err != nil {
		t.Fatalf("DrawRect() error = %v", err)
	}

	win := c.findLocked(id)
	if win.buf[0] != 0xFFFF0000 {
		t.Errorf("buf[0] = %#x, want 0xFFFF0000", win.buf[0])
	}
	if win.buf[4] != 0xFF1A1A2E {
		t.Errorf("buf[4] (outside clipped rect) = %#x, want untouched background", win.buf[4])
	}
}

func TestDrawRectDeniesNonOwnerSilently(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 10, 10, "w", 7)

	if err := c.DrawRect(id, 0, 0, 5, 5, 0xFFFF0000, 99); err != nil {
		t.Fatalf("DrawRect() from non-owner error = %v, want nil (silent deny)", err)
	}
	win := c.findLocked(id)
	if win.buf[0] != 0xFF1A1A2E {
		t.Errorf("buf[0] = %#x, want unchanged background (draw was denied)", win.buf[0])
	}
}

func TestDrawRectAllowsInitProcessRegardlessOfOwner(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 10, 10, "w", 7)

	if err := c.DrawRect(id, 0, 0, 5, 5, 0xFFFF0000, 1); err != nil {
		t.Fatalf("DrawRect() from pid 1 error = %v", err)
	}
	if c.findLocked(id).buf[0] != 0xFFFF0000 {
		t.Errorf("init process's draw_rect had no effect")
	}
}

func TestWritePrintableCharactersAdvanceCursor(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*4, "term", 3)

	if err := c.Write(id, []byte("ab")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	win := c.findLocked(id)
	if win.cursorX != 2 {
		t.Errorf("cursorX = %d, want 2", win.cursorX)
	}
}

func TestWriteNewlineResetsCursorXAndAdvancesCursorY(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*4, "term", 3)

	c.Write(id, []byte("ab\n"))
	win := c.findLocked(id)
	if win.cursorX != 0 || win.cursorY != 1 {
		t.Errorf("cursor = (%d, %d), want (0, 1)", win.cursorX, win.cursorY)
	}
}

func TestWriteCarriageReturnOnlyResetsCursorX(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*4, "term", 3)

	c.Write(id, []byte("ab\r"))
	win := c.findLocked(id)
	if win.cursorX != 0 || win.cursorY != 0 {
		t.Errorf("cursor = (%d, %d), want (0, 0)", win.cursorX, win.cursorY)
	}
}

func TestWriteBackspaceRetreatsCursorX(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*4, "term", 3)

	c.Write(id, []byte("ab\b"))
	win := c.findLocked(id)
	if win.cursorX != 1 {
		t.Errorf("cursorX = %d, want 1", win.cursorX)
	}
}

func TestWriteWrapsCursorAtWindowWidth(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*2, charH*4, "term", 3)

	c.Write(id, []byte("abc")) // 2 chars fit per row, 3rd wraps
	win := c.findLocked(id)
	if win.cursorX != 1 || win.cursorY != 1 {
		t.Errorf("cursor = (%d, %d), want (1, 1)", win.cursorX, win.cursorY)
	}
}

func TestWriteScrollsWhenCursorPassesLastRow(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW, charH*2, "term", 3)
	win := c.findLocked(id)
	win.buf[0] = 0xFFAAAAAA // marker in row 0

	c.Write(id, []byte("x\nx\nx\n")) // three newlines: row0->1->scroll->1

	if win.cursorY != 1 {
		t.Errorf("cursorY = %d, want 1 (clamped at last row)", win.cursorY)
	}
	if win.buf[0] == 0xFFAAAAAA {
		t.Errorf("row 0 marker survived a scroll")
	}
}

func TestWriteSGRGreenSetsForegroundThenResetRestoresWhite(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "term", 3)

	c.Write(id, []byte("\x1b[32m"))
	win := c.findLocked(id)
	if win.fgColor != sgrDimPalette[2] {
		t.Errorf("fgColor = %#x, want dim-green %#x", win.fgColor, sgrDimPalette[2])
	}

	c.Write(id, []byte("\x1b[0m"))
	if win.fgColor != 0xFFFFFFFF {
		t.Errorf("fgColor after reset = %#x, want white", win.fgColor)
	}
}

func TestWriteSGRBrightPalette(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "term", 3)

	c.Write(id, []byte("\x1b[91m"))
	win := c.findLocked(id)
	if win.fgColor != sgrBrightPalette[1] {
		t.Errorf("fgColor = %#x, want bright-red %#x", win.fgColor, sgrBrightPalette[1])
	}
}

func TestWriteCSIJClearsBufferAndHomesCursor(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "term", 3)
	win := c.findLocked(id)
	win.buf[0] = 0xFFAAAAAA
	win.cursorX, win.cursorY = 2, 1

	c.Write(id, []byte("\x1b[J"))
	if win.cursorX != 0 || win.cursorY != 0 {
		t.Errorf("cursor after CSI J = (%d, %d), want (0, 0)", win.cursorX, win.cursorY)
	}
	if win.buf[0] != win.bgColor {
		t.Errorf("buf[0] after CSI J = %#x, want background %#x", win.buf[0], win.bgColor)
	}
}

func TestWriteCSIHHomesCursorWithoutClearing(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "term", 3)
	win := c.findLocked(id)
	win.buf[0] = 0xFFAAAAAA
	win.cursorX, win.cursorY = 2, 1

	c.Write(id, []byte("\x1b[H"))
	if win.cursorX != 0 || win.cursorY != 0 {
		t.Errorf("cursor after CSI H = (%d, %d), want (0, 0)", win.cursorX, win.cursorY)
	}
	if win.buf[0] != 0xFFAAAAAA {
		t.Errorf("CSI H unexpectedly cleared the buffer")
	}
}

func TestWriteCSIParamOverflowAbortsWithoutDispatch(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "term", 3)
	win := c.findLocked(id)

	overflow := make([]byte, maxEscapeParams+5)
	for i := range overflow {
		overflow[i] = '9'
	}
	c.Write(id, append([]byte("\x1b["), overflow...))
	c.Write(id, []byte("m")) // would have set fg if the parser were still in CSI

	if win.fgColor != 0xFFFFFFFF {
		t.Errorf("fgColor = %#x after overflow, want default white (no dispatch, 'm' printed instead)", win.fgColor)
	}
}

func TestEndToEndScenarioDSGRGreenTextAndNewline(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*4, "term", 3)

	if err := c.Write(id, []byte("\x1b[32mOK\x1b[0m\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	win := c.findLocked(id)
	if win.cursorX != 0 || win.cursorY != 1 {
		t.Errorf("cursor = (%d, %d), want (0, 1)", win.cursorX, win.cursorY)
	}
	if win.fgColor != 0xFFFFFFFF {
		t.Errorf("fgColor after trailing reset = %#x, want white", win.fgColor)
	}
}

func TestHandleClickRaisesTopmostWindowUnderCursor(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id1, _ := c.Create(0, TitleBarHeight, 50, 50, "a", 3)
	id2, _ := c.Create(100, TitleBarHeight, 50, 50, "b", 3)

	c.mouseX, c.mouseY = 10, 10
	c.HandleClick(0, true)

	win1 := c.findLocked(id1)
	win2 := c.findLocked(id2)
	if win1.zOrder <= win2.zOrder {
		t.Errorf("clicked window zOrder = %d, want > other window's %d", win1.zOrder, win2.zOrder)
	}
}

func TestHandleClickInTitleBarStartsDrag(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(100, 100, 50, 50, "w", 3)

	c.mouseX, c.mouseY = 110, 90 // inside title-bar strip, above client area
	c.HandleClick(0, true)

	if !c.dragging {
		t.Fatal("HandleClick() on title bar did not start a drag")
	}

	c.UpdateMouse(20, 0, false)
	win := c.findLocked(id)
	if win.x != 120 {
		t.Errorf("dragged window x = %d, want 120", win.x)
	}
}

func TestHandleClickReleaseClearsDrag(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	c.Create(100, 100, 50, 50, "w", 3)
	c.mouseX, c.mouseY = 110, 90
	c.HandleClick(0, true)
	if !c.dragging {
		t.Fatal("drag did not start")
	}

	c.HandleClick(0, false)
	if c.dragging {
		t.Errorf("drag still active after release")
	}
}

func TestHandleClickOnCloseButtonDestroysUnprotectedWindow(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(100, 100, 50, 50, "w", 5)
	win := c.findLocked(id)
	x0, y0, _, _ := win.closeButtonBox()

	c.mouseX, c.mouseY = x0+1, y0+1
	c.HandleClick(0, true)

	if c.findLocked(id) != nil {
		t.Errorf("window still present after a close-button click")
	}
}

func TestHandleClickOnCloseButtonLeavesProtectedWindowAlone(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(100, 100, 50, 50, "shell", 2) // pid 2: protected
	win := c.findLocked(id)
	x0, y0, _, _ := win.closeButtonBox()

	c.mouseX, c.mouseY = x0+1, y0+1
	c.HandleClick(0, true)

	if c.findLocked(id) == nil {
		t.Errorf("protected window was destroyed by a close-button click")
	}
}

func TestUpdateMouseAbsoluteSetsPositionDirectly(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	c.UpdateMouse(42, 77, true)
	if c.mouseX != 42 || c.mouseY != 77 {
		t.Errorf("mouse = (%d, %d), want (42, 77)", c.mouseX, c.mouseY)
	}
}

func TestUpdateMouseRelativeAccumulates(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	c.UpdateMouse(10, 10, true)
	c.UpdateMouse(5, -3, false)
	if c.mouseX != 15 || c.mouseY != 7 {
		t.Errorf("mouse = (%d, %d), want (15, 7)", c.mouseX, c.mouseY)
	}
}

func TestUpdateMouseClampsToFramebufferBounds(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	c.UpdateMouse(10000, -10000, true)
	if c.mouseX != c.fbWidth-1 {
		t.Errorf("mouseX = %d, want clamped to %d", c.mouseX, c.fbWidth-1)
	}
	if c.mouseY != 0 {
		t.Errorf("mouseY = %d, want clamped to 0", c.mouseY)
	}
}

func TestUpdateMouseClampsDraggedWindowYToNonNegative(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	c.Create(100, 100, 50, 50, "w", 3)
	c.mouseX, c.mouseY = 110, 90
	c.HandleClick(0, true)

	c.UpdateMouse(0, -10000, true)

	win := c.findLocked(c.windows[0].id)
	if win.y < 0 {
		t.Errorf("dragged window y = %d, want clamped to >= 0", win.y)
	}
}

func TestRenderPaintsGradientAndFlushesFullExtent(t *testing.T) {
	c, _, gpu := newTestCompositor(80, 60)
	c.Render()

	if gpu.calls != 1 {
		t.Fatalf("Flush called %d times, want 1", gpu.calls)
	}
	if gpu.w != 80 || gpu.h != 60 {
		t.Errorf("flushed extent = %dx%d, want 80x60", gpu.w, gpu.h)
	}
	if fbPixelAt(c, 0, 0) == 0 {
		t.Errorf("framebuffer pixel at origin is fully zero after render")
	}
}

func TestRenderBlendsOpaqueWindowPixelOntoFramebuffer(t *testing.T) {
	c, _, _ := newTestCompositor(80, 60)
	id, _ := c.Create(TitleBarHeight, TitleBarHeight, 10, 10, "w", 3)
	c.DrawRect(id, 0, 0, 10, 10, 0xFFFF00FF, 3)

	c.Render()

	got := fbPixelAt(c, TitleBarHeight, TitleBarHeight)
	if got != 0xFFFF00FF {
		t.Errorf("framebuffer pixel over window client area = %#x, want 0xFFFF00FF", got)
	}
}

func TestBlendPixelFastPaths(t *testing.T) {
	if got := blendPixel(0xFF112233, 0xFF445566); got != 0xFF445566 {
		t.Errorf("opaque src: blendPixel() = %#x, want src unchanged", got)
	}
	if got := blendPixel(0xFF112233, 0x00445566); got != 0xFF112233 {
		t.Errorf("transparent src: blendPixel() = %#x, want dst unchanged", got)
	}
}

func TestCreateWindowImplementsSvcWindowManager(t *testing.T) {
	var wm svc.WindowManager = newTestCompositorValue()
	id, err := wm.CreateWindow(0, 0, 10, 10, "w", 3)
	if err != nil || id < 1 {
		t.Fatalf("CreateWindow() = (%d, %v), want (>=1, nil)", id, err)
	}
}

func newTestCompositorValue() *Compositor {
	c, _, _ := newTestCompositor(800, 600)
	return c
}

func TestWriteToWindowRoutesToOwnersTerminal(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, charW*4, charH*2, "w", 9)

	n, err := c.WriteToWindow(9, []byte("hi"))
	if err != nil {
		t.Fatalf("WriteToWindow() error = %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
	if c.findLocked(id).cursorX != 2 {
		t.Errorf("cursorX after WriteToWindow = %d, want 2", c.findLocked(id).cursorX)
	}
}

func TestWriteToWindowReturnsErrNoWindowForOwnerlessCaller(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	if _, err := c.WriteToWindow(42, []byte("hi")); err != svc.ErrNoWindow {
		t.Errorf("WriteToWindow() error = %v, want svc.ErrNoWindow", err)
	}
}

func TestDrawForProcessDrawsDirectlyToFramebufferWhenOwnerless(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	if err := c.DrawForProcess(42, 5, 5, 4, 4, 0xFF00FF00); err != nil {
		t.Fatalf("DrawForProcess() error = %v", err)
	}
	if fbPixelAt(c, 5, 5) != 0xFF00FF00 {
		t.Errorf("framebuffer pixel = %#x, want 0xFF00FF00", fbPixelAt(c, 5, 5))
	}
}

func TestDrawForProcessDrawsIntoOwnersWindow(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 10, 10, "w", 9)

	if err := c.DrawForProcess(9, 0, 0, 3, 3, 0xFF00FF00); err != nil {
		t.Fatalf("DrawForProcess() error = %v", err)
	}
	if c.findLocked(id).buf[0] != 0xFF00FF00 {
		t.Errorf("owner's window buffer not drawn into")
	}
}

func TestWindowDrawDeniesNonOwnerViaSyscallPath(t *testing.T) {
	c, _, _ := newTestCompositor(800, 600)
	id, _ := c.Create(0, 0, 10, 10, "w", 9)

	if err := c.WindowDraw(42, id, 0, 0, 3, 3, 0xFF00FF00); err != nil {
		t.Fatalf("WindowDraw() error = %v, want nil (silent deny)", err)
	}
	if c.findLocked(id).buf[0] != 0xFF1A1A2E {
		t.Errorf("non-owner's WindowDraw had an effect")
	}
}
