// Package compositor implements the window compositor: per-process
// window records with backing pixel buffers, z-order click routing, a
// small ANSI-aware terminal emulator embedded in each window, and the
// render pass that composes every visible window onto the shared
// framebuffer before handing the dirty rectangle to the GPU driver.
//
// Grounded on original_source/kernel/graphics/compositor.c for the
// window record layout, decoration and alpha-blend math, the
// escape-sequence terminal emulator, mouse-drag/click hit-testing, and
// the render pipeline — adapted from a single global framebuffer
// pointer and a fixed C array of window structs onto internal/kheap-
// backed pixel buffers and an explicit flusher interface
// (internal/gpudev.Driver.Flush).
package compositor

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/klog"
	"vkernel/internal/svc"
)

// MaxWindows bounds the fixed window table, per compositor.c's
// MAX_WINDOWS.
const MaxWindows = 16

// TitleBarHeight and CloseButtonSize are the window chrome's fixed
// geometry, per spec.md §6's "Window title-bar geometry".
const (
	TitleBarHeight  = 20
	CloseButtonSize = 16
)

// charW and charH are the bitmap glyph cell dimensions the terminal
// emulator advances the cursor by.
const (
	charW = 8
	charH = 16
)

// bytesPerPixel is fixed by spec.md §6's 32-bit ARGB8888 pixel format.
const bytesPerPixel = 4

var (
	ErrTooManyWindows = errors.New("compositor: window table is full")
	ErrNoSuchWindow   = errors.New("compositor: no window with that id")
)

// escapeState is the terminal emulator's escape-sequence parser state,
// per spec.md §4.L's NORMAL/SAW_ESC/IN_CSI state machine.
type escapeState int

const (
	stateNormal escapeState = iota
	stateSawEsc
	stateInCSI
)

const maxEscapeParams = 32

// window is one entry of the fixed window table, mirroring
// compositor.c's struct window.
type window struct {
	id        int32
	inUse     bool
	x, y      int32
	w, h      int32
	zOrder    int32
	visible   bool
	owner     int
	protected bool
	ptr       unsafe.Pointer // as returned by heap.Alloc, for heap.Free
	buf       []uint32       // w*h pixels, ARGB8888
	bgColor   uint32
	title     string

	cursorX, cursorY int32
	fgColor          uint32
	escState         escapeState
	escBuf           [maxEscapeParams]byte
	escLen           int
}

// heap is the subset of *kheap.Heap's API a window's pixel buffer is
// carved from.
type heap interface {
	Alloc(size uint32) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
}

// flusher is the subset of *gpudev.Driver's API render needs to push
// the composited framebuffer to the display.
type flusher interface {
	Flush(x, y, w, h uint32) error
}

// Hardware/allocator touchpoints held as function variables so tests
// can exercise the window-table logic without real IRQ masking.
var (
	disableIRQs = archasm.DisableIRQs
	readDAIF    = archasm.ReadDAIF
	writeDAIF   = archasm.WriteDAIF
)

// Compositor owns the window table and the shared framebuffer it
// renders into.
type Compositor struct {
	windows [MaxWindows]window
	nextID  int32

	heap heap
	gpu  flusher

	fb                []byte // w*h ARGB8888 bytes, shared with gpudev's resource backing
	fbWidth, fbHeight int32

	mouseX, mouseY     int32
	dragging           bool
	dragWin            int
	dragOffX, dragOffY int32

	daifSaved uint64
}

// New builds a Compositor over fb, a width*height*4-byte backing buffer
// already attached to the GPU driver's scanout resource.
func New(h heap, gpu flusher, fb []byte, width, height int32) *Compositor {
	return &Compositor{heap: h, gpu: gpu, fb: fb, fbWidth: width, fbHeight: height, nextID: 1}
}

func (c *Compositor) lock() {
	saved := readDAIF()
	disableIRQs()
	c.daifSaved = saved
}

func (c *Compositor) unlock() { writeDAIF(c.daifSaved) }

// Create allocates a window's pixel buffer from the kernel heap, fills
// its record, and returns its identifier, per spec.md §4.L's create
// operation. The window is protected (un-closable by click) iff owner
// is the shell process's pid.
func (c *Compositor) Create(x, y, w, h int32, title string, owner int) (int32, error) {
	c.lock()
	defer c.unlock()

	slot := -1
	for i := range c.windows {
		if !c.windows[i].inUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, ErrTooManyWindows
	}

	pixCount := uint32(w) * uint32(h)
	ptr, err := c.heap.Alloc(pixCount * bytesPerPixel)
	if err != nil {
		return 0, err
	}
	buf := unsafe.Slice((*uint32)(ptr), pixCount)

	id := c.nextID
	c.nextID++

	maxZ := int32(0)
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].zOrder > maxZ {
			maxZ = c.windows[i].zOrder
		}
	}

	win := &c.windows[slot]
	*win = window{
		id:        id,
		inUse:     true,
		x:         x,
		y:         y,
		w:         w,
		h:         h,
		zOrder:    maxZ + 1,
		visible:   true,
		owner:     owner,
		protected: owner == 2,
		ptr:       ptr,
		buf:       buf,
		bgColor:   0xFF1A1A2E,
		title:     title,
		fgColor:   0xFFFFFFFF,
	}
	for i := range buf {
		buf[i] = win.bgColor
	}
	return id, nil
}

// findLocked returns the window slot with the given id, or nil. Callers
// must already hold the critical section.
func (c *Compositor) findLocked(id int32) *window {
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].id == id {
			return &c.windows[i]
		}
	}
	return nil
}

// Destroy frees the window's pixel buffer and zeroes its record, per
// spec.md §4.L's destroy operation.
func (c *Compositor) Destroy(id int32) error {
	c.lock()
	defer c.unlock()

	win := c.findLocked(id)
	if win == nil {
		return ErrNoSuchWindow
	}
	if err := c.heap.Free(win.ptr); err != nil {
		return err
	}
	*win = window{}
	return nil
}

// Move sets the window's new origin, per spec.md §4.L's move operation.
func (c *Compositor) Move(id, x, y int32) error {
	c.lock()
	defer c.unlock()

	win := c.findLocked(id)
	if win == nil {
		return ErrNoSuchWindow
	}
	win.x, win.y = x, y
	return nil
}

// DrawRect checks ownership, clips to the window's bounds, and fills a
// rectangle into the window's buffer, per spec.md §4.L's draw_rect
// operation.
func (c *Compositor) DrawRect(id, x, y, w, h int32, color uint32, callerPID int) error {
	c.lock()
	defer c.unlock()

	win := c.findLocked(id)
	if win == nil {
		return ErrNoSuchWindow
	}
	if callerPID != win.owner && callerPID != 1 {
		klog.Warnf("compositor: pid %d denied draw_rect on window %d owned by pid %d", callerPID, id, win.owner)
		return nil
	}

	x0, y0 := x, y
	x1, y1 := x+w, y+h
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > win.w {
		x1 = win.w
	}
	if y1 > win.h {
		y1 = win.h
	}
	for py := y0; py < y1; py++ {
		row := py * win.w
		for px := x0; px < x1; px++ {
			win.buf[row+px] = color
		}
	}
	return nil
}

// isDigitOrSemicolon reports whether b continues a CSI parameter run.
func isDigitOrSemicolon(b byte) bool {
	return (b >= '0' && b <= '9') || b == ';'
}

// Write feeds data through the window's terminal emulator, per
// spec.md §4.L's write operation and its NORMAL/SAW_ESC/IN_CSI escape
// parser.
func (c *Compositor) Write(id int32, data []byte) error {
	c.lock()
	defer c.unlock()

	win := c.findLocked(id)
	if win == nil {
		return ErrNoSuchWindow
	}
	for _, b := range data {
		c.writeByteLocked(win, b)
	}
	return nil
}

func (c *Compositor) writeByteLocked(win *window, b byte) {
	switch win.escState {
	case stateSawEsc:
		if b == '[' {
			win.escState = stateInCSI
			win.escLen = 0
		} else {
			win.escState = stateNormal
		}
		return
	case stateInCSI:
		if isDigitOrSemicolon(b) {
			if win.escLen >= len(win.escBuf) {
				win.escState = stateNormal
				return
			}
			win.escBuf[win.escLen] = b
			win.escLen++
			return
		}
		c.dispatchCSI(win, b)
		win.escLen = 0
		win.escState = stateNormal
		return
	}

	switch b {
	case 0x1b: // ESC
		win.escState = stateSawEsc
		return
	case '\n':
		win.cursorX = 0
		c.advanceLine(win)
		return
	case '\r':
		win.cursorX = 0
		return
	case '\b', 0x7f: // backspace/DEL
		if win.cursorX > 0 {
			win.cursorX--
		}
		return
	}

	if b >= 0x20 && b < 0x7f {
		c.drawGlyph(win, b)
		win.cursorX++
		if win.cursorX*charW+charW > win.w {
			win.cursorX = 0
			c.advanceLine(win)
		}
	}
}

// drawGlyph clears the cursor's cell to the background color then
// redraws it in the foreground color, matching compositor.c's
// clear-then-draw convention (the bitmap font itself is out of scope
// per spec.md §1 — callers supply a Glyph hook to wire a real font).
func (c *Compositor) drawGlyph(win *window, ch byte) {
	x0 := win.cursorX * charW
	y0 := win.cursorY * charH
	for y := int32(0); y < charH; y++ {
		row := (y0 + y) * win.w
		for x := int32(0); x < charW; x++ {
			idx := row + x0 + x
			if idx < 0 || int(idx) >= len(win.buf) {
				continue
			}
			win.buf[idx] = win.bgColor
		}
	}
	if Glyph != nil {
		Glyph(win.buf, win.w, win.h, x0, y0, ch, win.fgColor)
	}
}

// Glyph renders one character cell into buf (w*h ARGB8888 pixels) at
// (x0, y0) in fg, or does nothing if unset. The bitmap font table is
// out of scope per spec.md §1; cmd/vkernel wires chromefont.Render,
// which draws with the bitmap face fogleman/gg bundles.
var Glyph func(buf []uint32, w, h, x0, y0 int32, ch byte, fg uint32)

// advanceLine moves the cursor down one row, scrolling the buffer up by
// one row and clearing the new last row once the cursor passes the last
// row, per spec.md §4.L's "buffer is scrolled up by one row via a block
// move and the last row cleared".
func (c *Compositor) advanceLine(win *window) {
	win.cursorY++
	lastRow := win.h/charH - 1
	if win.cursorY <= lastRow {
		return
	}
	win.cursorY = lastRow

	rowPixels := win.w
	scrollPixels := int32(len(win.buf)) - charH*rowPixels
	copy(win.buf[:scrollPixels], win.buf[charH*rowPixels:])
	for i := scrollPixels; i < int32(len(win.buf)); i++ {
		win.buf[i] = win.bgColor
	}
}

// sgrDimPalette maps SGR 30-37 codes to colors; sgrBrightPalette maps
// SGR 90-97 codes.
var sgrDimPalette = [8]uint32{
	0xFF000000, 0xFFBB0000, 0xFF00BB00, 0xFFBBBB00,
	0xFF0000BB, 0xFFBB00BB, 0xFF00BBBB, 0xFFBBBBBB,
}

var sgrBrightPalette = [8]uint32{
	0xFF555555, 0xFFFF5555, 0xFF55FF55, 0xFFFFFF55,
	0xFF5555FF, 0xFFFF55FF, 0xFF55FFFF, 0xFFFFFFFF,
}

// dispatchCSI handles one completed CSI sequence: 'm' runs the SGR
// handler, 'J' clears the buffer and homes the cursor, 'H' homes the
// cursor, per spec.md §4.L's write operation.
func (c *Compositor) dispatchCSI(win *window, final byte) {
	params := win.escBuf[:win.escLen]
	switch final {
	case 'm':
		c.handleSGR(win, params)
	case 'J':
		for i := range win.buf {
			win.buf[i] = win.bgColor
		}
		win.cursorX, win.cursorY = 0, 0
	case 'H':
		win.cursorX, win.cursorY = 0, 0
	}
}

// handleSGR parses one or more semicolon-separated decimal parameters
// and applies the last recognized foreground-color selector, per
// compositor.c's handle_sgr.
func (c *Compositor) handleSGR(win *window, params []byte) {
	if len(params) == 0 {
		win.fgColor = 0xFFFFFFFF
		return
	}
	n := 0
	have := false
	for i := 0; i <= len(params); i++ {
		if i == len(params) || params[i] == ';' {
			if have {
				c.applySGRParam(win, n)
			}
			n, have = 0, false
			continue
		}
		n = n*10 + int(params[i]-'0')
		have = true
	}
}

func (c *Compositor) applySGRParam(win *window, n int) {
	switch {
	case n == 0:
		win.fgColor = 0xFFFFFFFF
	case n >= 30 && n <= 37:
		win.fgColor = sgrDimPalette[n-30]
	case n >= 90 && n <= 97:
		win.fgColor = sgrBrightPalette[n-90]
	}
}

// UpdateMouse implements inputdev.MouseSink: it moves a window being
// dragged, then clamps the cursor to the framebuffer, per spec.md
// §4.L's update_mouse operation.
func (c *Compositor) UpdateMouse(dx, dy int32, absolute bool) {
	c.lock()
	defer c.unlock()

	if absolute {
		c.mouseX, c.mouseY = dx, dy
	} else {
		c.mouseX += dx
		c.mouseY += dy
	}

	if c.dragging {
		win := &c.windows[c.dragWin]
		win.x = c.mouseX - c.dragOffX
		win.y = c.mouseY - c.dragOffY
		if win.y < 0 {
			win.y = 0
		}
	}

	if c.mouseX < 0 {
		c.mouseX = 0
	}
	if c.mouseY < 0 {
		c.mouseY = 0
	}
	if c.mouseX >= c.fbWidth {
		c.mouseX = c.fbWidth - 1
	}
	if c.mouseY >= c.fbHeight {
		c.mouseY = c.fbHeight - 1
	}
}

// containsPoint reports whether (px, py) falls within win's extent
// including its title-bar strip above the client area.
func (win *window) containsPoint(px, py int32) bool {
	top := win.y - TitleBarHeight
	return px >= win.x && px < win.x+win.w && py >= top && py < win.y+win.h
}

func (win *window) closeButtonBox() (x0, y0, x1, y1 int32) {
	x1 = win.x + win.w - 2
	x0 = x1 - CloseButtonSize
	y0 = win.y - TitleBarHeight + (TitleBarHeight-CloseButtonSize)/2
	y1 = y0 + CloseButtonSize
	return
}

// HandleClick implements inputdev.ClickSink: it hit-tests the topmost
// visible window under the cursor, raises it to the top z-order,
// honors the close button, or begins a title-bar drag, per spec.md
// §4.L's handle_click operation.
func (c *Compositor) HandleClick(button uint16, pressed bool) {
	c.lock()
	defer c.unlock()

	if !pressed {
		c.dragging = false
		return
	}

	topIdx := -1
	topZ := int32(-1)
	for i := range c.windows {
		win := &c.windows[i]
		if win.inUse && win.visible && win.containsPoint(c.mouseX, c.mouseY) && win.zOrder > topZ {
			topIdx, topZ = i, win.zOrder
		}
	}
	if topIdx == -1 {
		return
	}

	win := &c.windows[topIdx]
	maxZ := int32(0)
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].zOrder > maxZ {
			maxZ = c.windows[i].zOrder
		}
	}
	win.zOrder = maxZ + 1

	if x0, y0, x1, y1 := win.closeButtonBox(); !win.protected &&
		c.mouseX >= x0 && c.mouseX < x1 && c.mouseY >= y0 && c.mouseY < y1 {
		if err := c.heap.Free(win.ptr); err != nil {
			klog.Warnf("compositor: free on click-close failed: %v", err)
		}
		*win = window{}
		return
	}

	if c.mouseY < win.y {
		c.dragging = true
		c.dragWin = topIdx
		c.dragOffX = c.mouseX - win.x
		c.dragOffY = c.mouseY - win.y
	}
}

// Render fills the framebuffer with a gradient background, draws every
// visible window's decorations and alpha-blended contents in z-order,
// draws the mouse cursor, then flushes the full extent to the GPU
// driver, per spec.md §4.L's render operation.
func (c *Compositor) Render() {
	c.lock()
	defer c.unlock()

	c.paintGradient()
	for _, win := range c.windowsByZOrder() {
		c.drawDecorations(win)
		c.blendWindow(win)
	}
	c.drawCursor()

	if c.gpu != nil {
		if err := c.gpu.Flush(0, 0, uint32(c.fbWidth), uint32(c.fbHeight)); err != nil {
			klog.Warnf("compositor: flush failed: %v", err)
		}
	}
}

func (c *Compositor) setPixel(x, y int32, color uint32) {
	if x < 0 || y < 0 || x >= c.fbWidth || y >= c.fbHeight {
		return
	}
	off := (y*c.fbWidth + x) * bytesPerPixel
	c.fb[off+0] = byte(color)
	c.fb[off+1] = byte(color >> 8)
	c.fb[off+2] = byte(color >> 16)
	c.fb[off+3] = byte(color >> 24)
}

func (c *Compositor) paintGradient() {
	for y := int32(0); y < c.fbHeight; y++ {
		shade := byte(16 + (y*48)/maxInt32(1, c.fbHeight))
		color := 0xFF000000 | uint32(shade)<<16 | uint32(shade/2)<<8 | uint32(shade)
		for x := int32(0); x < c.fbWidth; x++ {
			c.setPixel(x, y, color)
		}
	}
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// windowsByZOrder returns pointers to every in-use, visible window
// sorted ascending by z-order, via an insertion sort mirroring
// compositor.c's bubble sort over the small, fixed-size table.
func (c *Compositor) windowsByZOrder() []*window {
	var out []*window
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].visible {
			out = append(out, &c.windows[i])
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].zOrder > out[j].zOrder; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// drawDecorations paints the title bar, centered title, border, and
// (unless protected) the close button's X glyph, per compositor.c's
// draw_window_decorations.
func (c *Compositor) drawDecorations(win *window) {
	const titleBarColor = 0xFF3A3A5A
	const borderColor = 0xFF7070A0

	for y := win.y - TitleBarHeight; y < win.y; y++ {
		for x := win.x; x < win.x+win.w; x++ {
			c.setPixel(x, y, titleBarColor)
		}
	}
	if Glyph != nil {
		textY := win.y - TitleBarHeight + (TitleBarHeight-charH)/2
		textX := win.x + (win.w-int32(len(win.title))*charW)/2
		for i := 0; i < len(win.title); i++ {
			c.drawChromeGlyph(textX+int32(i)*charW, textY, win.title[i], 0xFFFFFFFF)
		}
	}

	for x := win.x; x < win.x+win.w; x++ {
		c.setPixel(x, win.y-TitleBarHeight, borderColor)
		c.setPixel(x, win.y+win.h-1, borderColor)
	}
	for y := win.y - TitleBarHeight; y < win.y+win.h; y++ {
		c.setPixel(win.x, y, borderColor)
		c.setPixel(win.x+win.w-1, y, borderColor)
	}

	if win.protected {
		return
	}
	x0, y0, x1, y1 := win.closeButtonBox()
	const closeColor = 0xFFAA3030
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			c.setPixel(x, y, closeColor)
		}
	}
	for i := int32(0); i < CloseButtonSize; i++ {
		c.setPixel(x0+i, y0+i, 0xFFFFFFFF)
		c.setPixel(x0+i, y1-1-i, 0xFFFFFFFF)
	}
}

// drawChromeGlyph draws one decoration-text character directly onto the
// framebuffer via the shared Glyph hook, routed through a throwaway
// single-cell buffer so chrome text uses the same font as window
// contents.
func (c *Compositor) drawChromeGlyph(x, y int32, ch byte, fg uint32) {
	cell := make([]uint32, charW*charH)
	Glyph(cell, charW, charH, 0, 0, ch, fg)
	for cy := int32(0); cy < charH; cy++ {
		for cx := int32(0); cx < charW; cx++ {
			p := cell[cy*charW+cx]
			if p&0xFF000000 != 0 {
				c.setPixel(x+cx, y+cy, p)
			}
		}
	}
}

// blendPixel alpha-blends src over dst, with fast paths for fully
// opaque and fully transparent source pixels, per compositor.c's
// blend_pixel.
func blendPixel(dst, src uint32) uint32 {
	alpha := src >> 24
	if alpha == 0xFF {
		return src
	}
	if alpha == 0 {
		return dst
	}
	inv := 255 - alpha
	r := (((src>>16)&0xFF)*alpha + ((dst>>16)&0xFF)*inv) / 255
	g := (((src>>8)&0xFF)*alpha + ((dst>>8)&0xFF)*inv) / 255
	b := ((src&0xFF)*alpha + (dst&0xFF)*inv) / 255
	return 0xFF000000 | (r << 16) | (g << 8) | b
}

func (c *Compositor) blendWindow(win *window) {
	for ly := int32(0); ly < win.h; ly++ {
		for lx := int32(0); lx < win.w; lx++ {
			fx, fy := win.x+lx, win.y+ly
			if fx < 0 || fy < 0 || fx >= c.fbWidth || fy >= c.fbHeight {
				continue
			}
			src := win.buf[ly*win.w+lx]
			off := (fy*c.fbWidth + fx) * bytesPerPixel
			dst := uint32(c.fb[off]) | uint32(c.fb[off+1])<<8 | uint32(c.fb[off+2])<<16 | uint32(c.fb[off+3])<<24
			c.setPixel(fx, fy, blendPixel(dst, src))
		}
	}
}

// cursorShape is the 16-row by 12-column bitmap mouse pointer: 'X' is
// the border, '.' is the fill, and a space is transparent, per
// compositor.c's draw_mouse_cursor.
var cursorShape = [16]string{
	"X           ",
	"X.          ",
	"X..         ",
	"X...        ",
	"X....       ",
	"X.....      ",
	"X......     ",
	"X.......    ",
	"X........   ",
	"X.....      ",
	"X..X..      ",
	"X. X..      ",
	".  X..      ",
	"    X..     ",
	"    X..     ",
	"     ..     ",
}

func (c *Compositor) drawCursor() {
	for row, line := range cursorShape {
		for col := 0; col < len(line); col++ {
			switch line[col] {
			case 'X':
				c.setPixel(c.mouseX+int32(col), c.mouseY+int32(row), 0xFF000000)
			case '.':
				c.setPixel(c.mouseX+int32(col), c.mouseY+int32(row), 0xFFFFFFFF)
			}
		}
	}
}

// --- svc.WindowManager ---

// CreateWindow implements svc.WindowManager.
func (c *Compositor) CreateWindow(x, y, w, h int32, title string, owner int) (int32, error) {
	return c.Create(x, y, w, h, title, owner)
}

// WindowDraw implements svc.WindowManager: syscall 211's draw into a
// specific window id, subject to the ownership check.
func (c *Compositor) WindowDraw(caller int, winID int32, x, y, w, h int32, color uint32) error {
	return c.DrawRect(winID, x, y, w, h, color, caller)
}

// DrawForProcess implements svc.WindowManager: syscall 200 draws into
// the caller's own window if it owns exactly one, or directly onto the
// framebuffer if it owns none (spec.md §4.L has no window-discovery-
// by-pid operation of its own, so this resolves ownership by scanning
// the table, mirroring how window_draw already resolves it by id).
func (c *Compositor) DrawForProcess(caller int, x, y, w, h int32, color uint32) error {
	c.lock()
	ownedID := int32(-1)
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].owner == caller {
			ownedID = c.windows[i].id
			break
		}
	}
	c.unlock()

	if ownedID == -1 {
		c.lock()
		defer c.unlock()
		x0, y0 := maxInt32(0, x), maxInt32(0, y)
		x1, y1 := minInt32(c.fbWidth, x+w), minInt32(c.fbHeight, y+h)
		for py := y0; py < y1; py++ {
			for px := x0; px < x1; px++ {
				c.setPixel(px, py, color)
			}
		}
		return nil
	}
	return c.DrawRect(ownedID, x, y, w, h, color, caller)
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// WriteToWindow implements svc.WindowManager: it routes the bytes to
// the caller's window's terminal state, or reports svc.ErrNoWindow if
// the caller owns none so the dispatcher falls back to the console.
func (c *Compositor) WriteToWindow(caller int, data []byte) (int, error) {
	c.lock()
	var id int32 = -1
	for i := range c.windows {
		if c.windows[i].inUse && c.windows[i].owner == caller {
			id = c.windows[i].id
			break
		}
	}
	c.unlock()

	if id == -1 {
		return 0, svc.ErrNoWindow
	}
	if err := c.Write(id, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// FocusPID implements svc.WindowManager: the pid owning the topmost
// visible window by z-order, or -1 if no window is visible. Mirrors
// compositor.c's compositor_get_focus_pid.
func (c *Compositor) FocusPID() int {
	c.lock()
	defer c.unlock()

	maxZ := int32(-1)
	pid := -1
	for i := range c.windows {
		w := &c.windows[i]
		if w.inUse && w.visible && w.zOrder > maxZ {
			maxZ = w.zOrder
			pid = w.owner
		}
	}
	return pid
}
