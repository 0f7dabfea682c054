package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"mrisegment/internal/models"
)

// DefaultOverlayColor is the colour used for masks when none is configured
const DefaultOverlayColor = "#ff3030"

// Viewer renders slices of a volume, optionally blended with a segmentation mask
type Viewer struct {
	// volume holds the intensities shown in grayscale (channel 0)
	volume *models.Volume

	// mask is the segmentation drawn on top, may be nil
	mask *models.Mask

	// lo and hi are the intensity window mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer for volume. mask may be nil; if given it must
// have the same dimensions as volume.
func NewViewer(volume *models.Volume, mask *models.Mask) (*Viewer, error) {
	if err := volume.Validate(); err != nil {
		return nil, err
	}
	if mask != nil && !mask.SameShape(volume) {
		return nil, errors.Errorf("mask is %dx%dx%d, volume is %dx%dx%d",
			mask.Width, mask.Height, mask.Depth, volume.Width, volume.Height, volume.Depth)
	}

	v := &Viewer{volume: volume, mask: mask}
	v.lo, v.hi = intensityWindow(volume)
	return v, nil
}

// SetWindow overrides the intensity range mapped to black and white
func (v *Viewer) SetWindow(lo, hi float64) error {
	if hi <= lo {
		return errors.Errorf("window upper bound %g must exceed lower bound %g", hi, lo)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// intensityWindow returns the range of channel 0
func intensityWindow(vol *models.Volume) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i < vol.Len(); i++ {
		val := vol.Value(i, 0)
		lo = math.Min(lo, val)
		hi = math.Max(hi, val)
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// planeFor returns the 2D size of a slice along axis and a function mapping
// slice pixels (u,v) to volume indices
func (v *Viewer) planeFor(axis string, position int) (int, int, func(u, w int) models.Index, error) {
	if position < 0 {
		return 0, 0, nil, errors.New("position must be non-negative")
	}

	vol := v.volume
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= vol.Width {
			return 0, 0, nil, errors.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		return vol.Depth, vol.Height, func(u, w int) models.Index { return models.Index{X: position, Y: w, Z: u} }, nil
	case "y", "Y":
		// XZ plane
		if position >= vol.Height {
			return 0, 0, nil, errors.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		return vol.Width, vol.Depth, func(u, w int) models.Index { return models.Index{X: u, Y: position, Z: w} }, nil
	case "z", "Z":
		// XY plane
		if position >= vol.Depth {
			return 0, 0, nil, errors.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		return vol.Width, vol.Height, func(u, w int) models.Index { return models.Index{X: u, Y: w, Z: position} }, nil
	default:
		return 0, 0, nil, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a window-levelled 16-bit grayscale slice along axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	w, h, at, err := v.planeFor(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	scale := 65535 / (v.hi - v.lo)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			val := v.volume.Value(v.volume.Offset(at(x, y)), 0)
			g := math.Max(0, math.Min(65535, (val-v.lo)*scale))
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(g))})
		}
	}
	return img, nil
}

// ExtractMaskSlice extracts the mask labels along axis as an 8-bit image
func (v *Viewer) ExtractMaskSlice(axis string, position int) (*image.Gray, error) {
	if v.mask == nil {
		return nil, errors.New("viewer has no mask")
	}
	w, h, at, err := v.planeFor(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: v.mask.At(at(x, y))})
		}
	}
	return img, nil
}

// Overlay alpha-blends the mask over the intensity slice. Foreground voxels
// are painted in hexColor with opacity alpha (0..1); background voxels show
// the intensity unchanged.
func (v *Viewer) Overlay(axis string, position int, alpha float64, hexColor string) (*image.NRGBA, error) {
	if alpha < 0 || alpha > 1 {
		return nil, errors.Errorf("alpha must be in [0,1], got %g", alpha)
	}
	if hexColor == "" {
		hexColor = DefaultOverlayColor
	}
	c, err := colorful.Hex(hexColor)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid overlay colour %q", hexColor)
	}
	r, g, b := c.RGB255()

	base, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	labels, err := v.ExtractMaskSlice(axis, position)
	if err != nil {
		return nil, err
	}

	layer := image.NewNRGBA(base.Bounds())
	for y := 0; y < labels.Rect.Dy(); y++ {
		for x := 0; x < labels.Rect.Dx(); x++ {
			if labels.GrayAt(x, y).Y != 0 {
				layer.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}

	return imaging.Overlay(base, layer, image.Pt(0, 0), alpha), nil
}

// SaveSlice saves a rendered slice; the format follows the file extension
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return imaging.Save(img, filename, imaging.JPEGQuality(90))
}

// SaveSliceSequence extracts and saves every grayscale slice along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	return v.saveSequence(axis, outputDir, "slice", func(pos int) (image.Image, error) {
		return v.ExtractSlice(axis, pos)
	})
}

// SaveOverlaySequence renders and saves the overlay for every slice along axis
func (v *Viewer) SaveOverlaySequence(axis string, outputDir string, alpha float64, hexColor string) error {
	return v.saveSequence(axis, outputDir, "overlay", func(pos int) (image.Image, error) {
		return v.Overlay(axis, pos, alpha, hexColor)
	})
}

func (v *Viewer) saveSequence(axis, outputDir, prefix string, render func(pos int) (image.Image, error)) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := render(pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// ExtractRegion copies a box of the volume, all channels included, into a
// new volume
func (v *Viewer) ExtractRegion(start models.Index, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	if start.X < 0 || start.Y < 0 || start.Z < 0 {
		return nil, errors.New("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, errors.New("size dimensions must be positive")
	}
	src := v.volume
	if start.X+sizeX > src.Width || start.Y+sizeY > src.Height || start.Z+sizeZ > src.Depth {
		return nil, errors.New("region extends beyond volume boundaries")
	}

	region := models.NewVolume(sizeX, sizeY, sizeZ, src.Channels)
	region.VoxelSize = src.VoxelSize
	k := src.Channels
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			srcOff := src.Offset(models.Index{X: start.X, Y: start.Y + y, Z: start.Z + z})
			dstOff := region.Offset(models.Index{Y: y, Z: z})
			copy(region.Data[dstOff*k:(dstOff+sizeX)*k], src.Data[srcOff*k:(srcOff+sizeX)*k])
		}
	}
	return region, nil
}
