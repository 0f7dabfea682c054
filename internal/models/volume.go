package models

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Index is an integer voxel coordinate with its origin at the (0,0,0) corner
type Index struct {
	X, Y, Z int
}

// ParseIndex parses "x,y,z" or "x,y" (z defaults to 0)
func ParseIndex(s string) (Index, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return Index{}, errors.Errorf("invalid index %q: want x,y or x,y,z", s)
	}

	var coords [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Index{}, errors.Wrapf(err, "invalid index %q", s)
		}
		coords[i] = v
	}

	return Index{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// Spacing is the physical size of a voxel in mm
type Spacing struct {
	X, Y, Z float64
}

// Volume is a 3D scalar or multi-channel image. A 2D image is a Volume with
// Depth 1.
type Volume struct {
	// Data holds the intensities in row-major order with channels interleaved:
	// voxel (x,y,z) channel c is at ((z*Height+y)*Width+x)*Channels + c
	Data []float64

	// Width, Height, Depth are the dimensions of the volume in voxels
	Width, Height, Depth int

	// Channels is the number of intensities stored per voxel (1 for scalar
	// images, 2 for a T1+T2 pair, ...)
	Channels int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize Spacing
}

// NewVolume allocates a zero-filled volume
func NewVolume(width, height, depth, channels int) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth*channels),
		Width:     width,
		Height:    height,
		Depth:     depth,
		Channels:  channels,
		VoxelSize: Spacing{X: 1, Y: 1, Z: 1},
	}
}

// Validate checks that the dimensions are positive and agree with the data length
func (v *Volume) Validate() error {
	if v == nil {
		return errors.New("volume is nil")
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return errors.Errorf("volume dimensions must be positive, got %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if v.Channels <= 0 {
		return errors.Errorf("volume must have at least one channel, got %d", v.Channels)
	}
	if want := v.Len() * v.Channels; len(v.Data) != want {
		return errors.Errorf("volume data has %d values, expected %d", len(v.Data), want)
	}
	return nil
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Contains reports whether idx lies inside the volume
func (v *Volume) Contains(idx Index) bool {
	return idx.X >= 0 && idx.X < v.Width &&
		idx.Y >= 0 && idx.Y < v.Height &&
		idx.Z >= 0 && idx.Z < v.Depth
}

// Offset returns the voxel offset of idx. idx must be inside the volume.
func (v *Volume) Offset(idx Index) int {
	return (idx.Z*v.Height+idx.Y)*v.Width + idx.X
}

// IndexOf is the inverse of Offset
func (v *Volume) IndexOf(offset int) Index {
	plane := v.Width * v.Height
	z := offset / plane
	rem := offset % plane
	return Index{X: rem % v.Width, Y: rem / v.Width, Z: z}
}

// Value returns channel c of the voxel at offset
func (v *Volume) Value(offset, c int) float64 {
	return v.Data[offset*v.Channels+c]
}

// Voxel returns all channels of the voxel at offset. The returned slice
// aliases the volume data and must not be modified.
func (v *Volume) Voxel(offset int) []float64 {
	start := offset * v.Channels
	return v.Data[start : start+v.Channels]
}

// Channel copies channel c out as a scalar volume
func (v *Volume) Channel(c int) (*Volume, error) {
	if c < 0 || c >= v.Channels {
		return nil, errors.Errorf("channel %d out of range [0,%d)", c, v.Channels)
	}
	out := NewVolume(v.Width, v.Height, v.Depth, 1)
	out.VoxelSize = v.VoxelSize
	for i := 0; i < v.Len(); i++ {
		out.Data[i] = v.Data[i*v.Channels+c]
	}
	return out, nil
}

// Mask is a label volume produced by segmentation: voxels in the region carry
// a non-zero label and everything else is 0.
type Mask struct {
	// Labels holds one label per voxel in the same order as Volume
	Labels []uint8

	// Width, Height, Depth are the dimensions of the mask in voxels
	Width, Height, Depth int
}

// NewMask allocates an all-background mask
func NewMask(width, height, depth int) *Mask {
	return &Mask{
		Labels: make([]uint8, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// At returns the label at idx, or 0 outside the mask
func (m *Mask) At(idx Index) uint8 {
	if idx.X < 0 || idx.X >= m.Width || idx.Y < 0 || idx.Y >= m.Height || idx.Z < 0 || idx.Z >= m.Depth {
		return 0
	}
	return m.Labels[(idx.Z*m.Height+idx.Y)*m.Width+idx.X]
}

// Count returns the number of foreground voxels
func (m *Mask) Count() int {
	n := 0
	for _, l := range m.Labels {
		if l != 0 {
			n++
		}
	}
	return n
}

// Offsets returns the offsets of all foreground voxels in increasing order
func (m *Mask) Offsets() []int {
	out := make([]int, 0, m.Count())
	for i, l := range m.Labels {
		if l != 0 {
			out = append(out, i)
		}
	}
	return out
}

// SameShape reports whether the mask covers exactly the voxels of v
func (m *Mask) SameShape(v *Volume) bool {
	return m.Width == v.Width && m.Height == v.Height && m.Depth == v.Depth
}
