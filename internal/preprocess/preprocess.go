// Package preprocess converts an image file into the float32 tensor the
// classifier network was trained on.
//
// The steps mirror the training-time transform: decode, convert to RGB by
// dropping alpha, resize to a square with bicubic resampling, scale channel
// values, and prepend a batch dimension of one.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

const (
	DefaultSize = 224
	Channels    = 3

	// MaxPixels bounds decoded image area to avoid decompression bombs.
	MaxPixels = 89_478_485
)

type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

type Normalization string

const (
	// NormalizeNone keeps raw [0,255] values. EfficientNet models rescale internally.
	NormalizeNone  Normalization = "none"
	NormalizeUnit  Normalization = "unit"
	NormalizeTF    Normalization = "tf"
	NormalizeTorch Normalization = "torch"
	NormalizeCaffe Normalization = "caffe"
)

var (
	torchMean = [Channels]float32{0.485, 0.456, 0.406}
	torchStd  = [Channels]float32{0.229, 0.224, 0.225}
	// BGR order, applied after the channel swap.
	caffeMean = [Channels]float32{103.939, 116.779, 123.68}
)

// Options describes the model's expected input.
type Options struct {
	Size          int
	Layout        Layout
	Normalization Normalization
	Interpolation resize.InterpolationFunction
}

// DefaultOptions matches the Keras EfficientNet training pipeline.
func DefaultOptions() Options {
	return Options{
		Size:          DefaultSize,
		Layout:        LayoutNHWC,
		Normalization: NormalizeNone,
		Interpolation: resize.Bicubic,
	}
}

// Validate reports unknown layouts or normalizations.
func (o Options) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("invalid image size %d", o.Size)
	}
	switch o.Layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("unknown layout %q", o.Layout)
	}
	switch o.Normalization {
	case NormalizeNone, NormalizeUnit, NormalizeTF, NormalizeTorch, NormalizeCaffe:
	default:
		return fmt.Errorf("unknown normalization %q", o.Normalization)
	}
	return nil
}

// ParseInterpolation maps a resampling filter name to its nfnt/resize kernel.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch name {
	case "", "bicubic":
		return resize.Bicubic, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "nearest":
		return resize.NearestNeighbor, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return resize.Bicubic, fmt.Errorf("unknown interpolation %q", name)
	}
}

// Tensor is a dense float32 array with a leading batch dimension of one.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len is the number of elements implied by Shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// FromFile reads and preprocesses the image at path.
func FromFile(path string, opts Options) (*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, inference.New(inference.KindImageDecode, "preprocess.read", err)
	}
	return FromBytes(data, opts)
}

// FromBytes preprocesses an encoded PNG or JPEG image.
func FromBytes(data []byte, opts Options) (*Tensor, error) {
	img, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return FromImage(img, opts)
}

// FromImage runs the pixel steps on an already decoded image.
func FromImage(img image.Image, opts Options) (*Tensor, error) {
	if err := opts.Validate(); err != nil {
		return nil, inference.New(inference.KindInference, "preprocess.options", err)
	}
	rgb := ToRGB(img)
	resized := Resize(rgb, opts.Size, opts.Interpolation)
	return Normalize(resized, opts), nil
}

// Decode decodes a PNG or JPEG stream after checking its declared size.
func Decode(r io.ReadSeeker) (image.Image, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return nil, inference.New(inference.KindImageDecode, "preprocess.decode", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, inference.Errorf(inference.KindImageDecode, "preprocess.decode", "empty %s image", format)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, inference.Errorf(inference.KindImageDecode, "preprocess.decode",
			"%s image too large: %dx%d", format, cfg.Width, cfg.Height)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, inference.New(inference.KindImageDecode, "preprocess.decode", err)
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, inference.New(inference.KindImageDecode, "preprocess.decode", err)
	}
	return img, nil
}

// ToRGB copies img into an opaque RGBA image anchored at the origin. Alpha is
// discarded rather than composited; palette and gray images are expanded.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// Resize scales img to size x size.
func Resize(img *image.RGBA, size int, interp resize.InterpolationFunction) *image.RGBA {
	resized := resize.Resize(uint(size), uint(size), img, interp)
	if rgba, ok := resized.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return ToRGB(resized)
}

// Normalize lays out img as a (1,H,W,3) or (1,3,H,W) tensor and scales each
// channel value.
func Normalize(img *image.RGBA, opts Options) *Tensor {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height

	t := &Tensor{Data: make([]float32, Channels*plane)}
	if opts.Layout == LayoutNCHW {
		t.Shape = []int64{1, Channels, int64(height), int64(width)}
	} else {
		t.Shape = []int64{1, int64(height), int64(width), Channels}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := img.PixOffset(x, y)
			px := [Channels]float32{float32(img.Pix[p]), float32(img.Pix[p+1]), float32(img.Pix[p+2])}
			if opts.Normalization == NormalizeCaffe {
				px[0], px[2] = px[2], px[0]
			}

			pixelIndex := y*width + x
			for c := 0; c < Channels; c++ {
				v := scale(px[c], c, opts.Normalization)
				if opts.Layout == LayoutNCHW {
					t.Data[c*plane+pixelIndex] = v
				} else {
					t.Data[pixelIndex*Channels+c] = v
				}
			}
		}
	}
	return t
}

func scale(v float32, channel int, n Normalization) float32 {
	switch n {
	case NormalizeUnit:
		return v / 255
	case NormalizeTF:
		return v/127.5 - 1
	case NormalizeTorch:
		return (v/255 - torchMean[channel]) / torchStd[channel]
	case NormalizeCaffe:
		return v - caffeMean[channel]
	default:
		return v
	}
}
