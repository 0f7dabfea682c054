// Package volumeio builds volumes from stacks of 2D slices on disk and writes
// segmentation masks back out as slice sequences.
package volumeio

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"mrisegment/internal/models"
)

// Format selects the on-disk representation of a slice stack
type Format string

const (
	// FormatAuto picks DICOM when the directory holds .dcm files, slices otherwise
	FormatAuto Format = "auto"
	// FormatSlices is a directory of PNG/JPEG/TIFF/BMP/GIF images, one per slice
	FormatSlices Format = "slices"
	// FormatDICOM is a directory of DICOM files
	FormatDICOM Format = "dicom"
)

// Options controls how a slice stack is turned into a volume
type Options struct {
	// Format of the input directory
	Format Format

	// NumCores bounds the number of slices decoded concurrently
	NumCores int

	// SliceGap is the physical distance between consecutive slices in mm
	SliceGap float64

	// PixelSpacing is the in-plane voxel size in mm
	PixelSpacing float64

	// SmoothingRadius applies a Gaussian blur of this radius to every slice
	// before it is converted. Zero disables smoothing. Smoothed slices are
	// quantised to 8 bits.
	SmoothingRadius float64
}

// DefaultOptions returns options for an unsmoothed slice stack with unit spacing
func DefaultOptions() Options {
	return Options{
		Format:       FormatAuto,
		NumCores:     runtime.NumCPU(),
		SliceGap:     1.0,
		PixelSpacing: 1.0,
	}
}

var sliceExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".tif": true, ".tiff": true, ".bmp": true, ".gif": true,
}

// Load reads a scalar volume from dir in the format selected by opts
func Load(ctx context.Context, dir string, opts Options) (*models.Volume, error) {
	format := opts.Format
	if format == "" || format == FormatAuto {
		hasDICOM, err := containsExtension(dir, ".dcm")
		if err != nil {
			return nil, err
		}
		format = FormatSlices
		if hasDICOM {
			format = FormatDICOM
		}
	}

	switch format {
	case FormatSlices:
		return LoadSliceDir(ctx, dir, opts)
	case FormatDICOM:
		return LoadDICOMDir(ctx, dir, opts)
	default:
		return nil, errors.Errorf("unknown volume format %q", format)
	}
}

// LoadSliceDir reads every image in dir as one z-slice. Slices are ordered
// by the number embedded in their filenames and must share dimensions.
func LoadSliceDir(ctx context.Context, dir string, opts Options) (*models.Volume, error) {
	files, err := listFiles(dir, func(ext string) bool { return sliceExtensions[ext] })
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no slice images found in %s", dir)
	}

	slices := make([]image.Image, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(opts.NumCores))
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := imaging.Open(filepath.Join(dir, name), imaging.AutoOrientation(true))
			if err != nil {
				return errors.Wrapf(err, "failed to load slice %s", name)
			}
			if opts.SmoothingRadius > 0 {
				img = blur.Gaussian(img, opts.SmoothingRadius)
			}
			slices[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vol, err := stackImages(slices, files, opts.SmoothingRadius > 0)
	if err != nil {
		return nil, err
	}
	applySpacing(vol, opts)
	return vol, nil
}

// stackImages converts same-sized slices into a scalar volume of 16-bit gray
// intensities. Images that went through an 8-bit pipeline are rescaled to the
// 16-bit range.
func stackImages(slices []image.Image, names []string, eightBit bool) (*models.Volume, error) {
	bounds := slices[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	vol := models.NewVolume(width, height, len(slices), 1)
	plane := width * height
	for z, img := range slices {
		b := img.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, errors.Errorf("slice %s is %dx%d, expected %dx%d", names[z], b.Dx(), b.Dy(), width, height)
		}
		grayInto(vol.Data[z*plane:(z+1)*plane], img, eightBit)
	}
	return vol, nil
}

// grayInto writes the 16-bit luminance of img into dst in row-major order
func grayInto(dst []float64, img image.Image, eightBit bool) {
	b := img.Bounds()
	w := b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
			if eightBit {
				// 0xFF00-style values from 8-bit channels map to the full 16-bit range
				v = float64(uint16(v)>>8) * 257
			}
			dst[(y-b.Min.Y)*w+(x-b.Min.X)] = v
		}
	}
}

// listFiles returns the names in dir whose lower-cased extension passes keep,
// ordered by their embedded slice number
func listFiles(dir string, keep func(ext string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if keep(strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names, nil
}

func containsExtension(dir, ext string) (bool, error) {
	names, err := listFiles(dir, func(e string) bool { return e == ext })
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// extractNumber returns the last run of digits in a filename, or -1 if it has none
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	end := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] >= '0' && base[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return -1
	}
	start := end - 1
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}

	num, err := strconv.Atoi(base[start:end])
	if err != nil {
		return -1
	}
	return num
}

func workerLimit(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

func applySpacing(vol *models.Volume, opts Options) {
	if opts.PixelSpacing > 0 {
		vol.VoxelSize.X = opts.PixelSpacing
		vol.VoxelSize.Y = opts.PixelSpacing
	}
	if opts.SliceGap > 0 {
		vol.VoxelSize.Z = opts.SliceGap
	}
}

// StackChannels combines same-sized scalar volumes into one multi-channel
// volume, e.g. a T1 and a T2 acquisition of the same anatomy
func StackChannels(vols ...*models.Volume) (*models.Volume, error) {
	if len(vols) == 0 {
		return nil, errors.New("no volumes to stack")
	}
	if len(vols) == 1 {
		return vols[0], nil
	}

	first := vols[0]
	for i, v := range vols {
		if err := v.Validate(); err != nil {
			return nil, errors.Wrapf(err, "channel %d", i)
		}
		if v.Channels != 1 {
			return nil, errors.Errorf("channel %d has %d channels, expected a scalar volume", i, v.Channels)
		}
		if v.Width != first.Width || v.Height != first.Height || v.Depth != first.Depth {
			return nil, errors.Errorf("channel %d is %dx%dx%d, expected %dx%dx%d",
				i, v.Width, v.Height, v.Depth, first.Width, first.Height, first.Depth)
		}
	}

	k := len(vols)
	out := models.NewVolume(first.Width, first.Height, first.Depth, k)
	out.VoxelSize = first.VoxelSize
	for i := 0; i < first.Len(); i++ {
		for c, v := range vols {
			out.Data[i*k+c] = v.Data[i]
		}
	}
	return out, nil
}
