// Package chromefont supplies the compositor's Glyph hook: a single
// character cell rendered with fogleman/gg's built-in bitmap font.
// gg.NewContext defaults to golang.org/x/image/font/basicfont's 7x13
// face until LoadFontFace is called, so this needs no TTF asset — the
// bitmap font table itself stays out of scope (spec.md §1) since this
// package never defines one; it only reads back pixels gg already drew
// with a font gg bundles.
//
// Grounded on iansmith-mazarin/src/mazboot/golang/main/gg_circle_qemu.go's
// gg.NewContext / image.RGBA pipeline, narrowed from that file's whole-
// framebuffer canvas down to one glyph cell.
package chromefont

import (
	"image"

	"github.com/fogleman/gg"
)

const (
	cellW = 8
	cellH = 16

	// baselineY sits gg's default 7x13 face's baseline near the bottom
	// of a 16px cell, leaving the bottom few rows as descender space.
	baselineY = 12
)

// Render draws ch into the 8x16 cell at (x0, y0) within buf (a w*h
// ARGB8888 canvas, stride w), setting every pixel the font's glyph mask
// covers to fg and leaving every other pixel in buf untouched.
func Render(buf []uint32, w, h, x0, y0 int32, ch byte, fg uint32) {
	dc := gg.NewContext(cellW, cellH)
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	dc.SetRGBA(1, 1, 1, 1)
	dc.DrawString(string(ch), 0, baselineY)

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return
	}
	for cy := 0; cy < cellH; cy++ {
		for cx := 0; cx < cellW; cx++ {
			if img.RGBAAt(cx, cy).A == 0 {
				continue
			}
			px, py := x0+int32(cx), y0+int32(cy)
			if px < 0 || py < 0 || px >= w || py >= h {
				continue
			}
			buf[py*w+px] = fg
		}
	}
}
