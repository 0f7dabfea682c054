package volumeio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"mrisegment/internal/models"
)

// SaveMask writes one 8-bit gray PNG per z-slice of mask into dir. Pixel
// values are the raw labels.
func SaveMask(mask *models.Mask, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create mask directory")
	}

	plane := mask.Width * mask.Height
	var errs error
	for z := 0; z < mask.Depth; z++ {
		img := image.NewGray(image.Rect(0, 0, mask.Width, mask.Height))
		copy(img.Pix, mask.Labels[z*plane:(z+1)*plane])

		filename := filepath.Join(dir, fmt.Sprintf("mask_%03d.png", z))
		if err := imaging.Save(img, filename); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "slice %d", z))
		}
	}
	return errs
}

// LoadMask reads a mask written by SaveMask
func LoadMask(dir string) (*models.Mask, error) {
	files, err := listFiles(dir, func(ext string) bool { return ext == ".png" })
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no mask slices found in %s", dir)
	}

	var mask *models.Mask
	for z, name := range files {
		img, err := imaging.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load mask slice %s", name)
		}
		b := img.Bounds()
		if mask == nil {
			mask = models.NewMask(b.Dx(), b.Dy(), len(files))
		} else if b.Dx() != mask.Width || b.Dy() != mask.Height {
			return nil, errors.Errorf("mask slice %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), mask.Width, mask.Height)
		}

		gray, ok := img.(*image.Gray)
		if !ok {
			return nil, errors.Errorf("mask slice %s is %T, expected 8-bit gray", name, img)
		}
		plane := mask.Width * mask.Height
		for y := 0; y < mask.Height; y++ {
			copy(mask.Labels[z*plane+y*mask.Width:z*plane+(y+1)*mask.Width], gray.Pix[y*gray.Stride:y*gray.Stride+mask.Width])
		}
	}
	return mask, nil
}
