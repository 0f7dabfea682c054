package volumeio

import (
	"context"
	"image"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"mrisegment/internal/models"
)

// rescale maps stored pixel values to modality units (value*slope + intercept)
type rescale struct {
	slope, intercept float64
}

// dicomFile holds the decoded frames of one file
type dicomFile struct {
	frames []image.Image
	rescale
}

// LoadDICOMDir reads the .dcm files in dir, in slice-number order, and stacks
// every frame of their pixel data into a scalar volume. Multi-frame files
// contribute all of their frames in order. RescaleSlope and RescaleIntercept
// are applied per file when present. Pixel values are read as unsigned
// stored values, so signed (PixelRepresentation 1) data is not supported.
func LoadDICOMDir(ctx context.Context, dir string, opts Options) (*models.Volume, error) {
	files, err := listFiles(dir, func(ext string) bool { return ext == ".dcm" })
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no DICOM files found in %s", dir)
	}

	decoded := make([]dicomFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(opts.NumCores))
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			df, err := readDICOMFile(filepath.Join(dir, name))
			if err != nil {
				return errors.Wrapf(err, "failed to read DICOM file %s", name)
			}
			if opts.SmoothingRadius > 0 {
				for j, img := range df.frames {
					df.frames[j] = blur.Gaussian(img, opts.SmoothingRadius)
				}
			}
			decoded[i] = df
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var slices []image.Image
	var names []string
	var scales []rescale
	for i, df := range decoded {
		for range df.frames {
			names = append(names, files[i])
			scales = append(scales, df.rescale)
		}
		slices = append(slices, df.frames...)
	}
	if len(slices) == 0 {
		return nil, errors.Errorf("DICOM files in %s contain no image frames", dir)
	}

	vol, err := stackImages(slices, names, opts.SmoothingRadius > 0)
	if err != nil {
		return nil, err
	}

	plane := vol.Width * vol.Height
	for z, rs := range scales {
		if rs.slope == 1 && rs.intercept == 0 {
			continue
		}
		for i := z * plane; i < (z+1)*plane; i++ {
			vol.Data[i] = vol.Data[i]*rs.slope + rs.intercept
		}
	}

	applySpacing(vol, opts)
	return vol, nil
}

func readDICOMFile(path string) (dicomFile, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return dicomFile{}, err
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return dicomFile{}, errors.Wrap(err, "no pixel data")
	}
	if elem.Value.ValueType() != dicom.PixelData {
		return dicomFile{}, errors.Errorf("pixel data element holds %v", elem.Value.ValueType())
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return dicomFile{}, errors.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}

	df := dicomFile{rescale: rescale{slope: 1}}
	if df.slope, err = decimalElement(ds, tag.RescaleSlope, 1); err != nil {
		return dicomFile{}, err
	}
	if df.intercept, err = decimalElement(ds, tag.RescaleIntercept, 0); err != nil {
		return dicomFile{}, err
	}

	df.frames = make([]image.Image, 0, len(info.Frames))
	for i := range info.Frames {
		img, err := info.Frames[i].GetImage()
		if err != nil {
			return dicomFile{}, errors.Wrapf(err, "frame %d", i)
		}
		df.frames = append(df.frames, img)
	}
	return df, nil
}

// decimalElement reads a single decimal string (DS) element, returning def
// when the element is absent or empty
func decimalElement(ds dicom.Dataset, t tag.Tag, def float64) (float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return def, nil
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s value %q", t, vals[0])
	}
	return v, nil
}
