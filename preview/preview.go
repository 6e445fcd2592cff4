// Package preview builds small operator images of a stimulus pair for the
// catalog and the generator's -preview flag.
package preview

import (
	"errors"
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
)

// Gap is the dark gutter between the two halves of a side-by-side preview.
const Gap = 8

// SideBySide places left and right next to each other and shrinks the result
// to at most maxWidth pixels wide. A maxWidth of 0 keeps full size.
func SideBySide(left, right image.Image, maxWidth uint) (*image.Gray, error) {
	if left == nil || right == nil {
		return nil, errors.New("preview: missing eye image")
	}
	lb, rb := left.Bounds(), right.Bounds()
	h := max(lb.Dy(), rb.Dy())
	w := lb.Dx() + Gap + rb.Dx()

	canvas := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(canvas, image.Rect(0, 0, lb.Dx(), lb.Dy()), left, lb.Min, draw.Src)
	draw.Draw(canvas, image.Rect(lb.Dx()+Gap, 0, w, rb.Dy()), right, rb.Min, draw.Src)

	if maxWidth == 0 || uint(w) <= maxWidth {
		return canvas, nil
	}
	return toGray(resize.Resize(maxWidth, 0, canvas, resize.Lanczos3)), nil
}

// Anaglyph merges the pair into a red/cyan image for viewing without the
// haploscope.
func Anaglyph(left, right image.Image) (*image.RGBA, error) {
	if left == nil || right == nil {
		return nil, errors.New("preview: missing eye image")
	}
	lb, rb := left.Bounds(), right.Bounds()
	if lb.Size() != rb.Size() {
		return nil, errors.New("preview: eye images differ in size")
	}
	out := image.NewRGBA(image.Rect(0, 0, lb.Dx(), lb.Dy()))
	for y := 0; y < lb.Dy(); y++ {
		for x := 0; x < lb.Dx(); x++ {
			l := color.GrayModel.Convert(left.At(lb.Min.X+x, lb.Min.Y+y)).(color.Gray).Y
			r := color.GrayModel.Convert(right.At(rb.Min.X+x, rb.Min.Y+y)).(color.Gray).Y
			out.SetRGBA(x, y, color.RGBA{R: l, G: r, B: r, A: 255})
		}
	}
	return out, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
