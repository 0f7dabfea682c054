package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"mrisegment/internal/models"
	"mrisegment/pkg/config"
	"mrisegment/pkg/regiongrow"
	"mrisegment/pkg/visualization"
	"mrisegment/pkg/volumeio"
)

const (
	flagInput             = "input"
	flagChannel           = "channel"
	flagSeed              = "seed"
	flagIterations        = "iterations"
	flagMultiplier        = "multiplier"
	flagRadius            = "radius"
	flagReplaceValue      = "replace-value"
	flagPolicy            = "policy"
	flagStopOnConvergence = "stop-on-convergence"
	flagWorkers           = "workers"
	flagConfig            = "config"
	flagOutput            = "output"
	flagOverlay           = "overlay"
	flagAxis              = "axis"
	flagFormat            = "format"
	flagVerbose           = "verbose"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "mrisegment",
		Usage: "confidence-connected region growing for MRI volumes",
		Commands: []*cli.Command{
			{
				Name:      "grow",
				Usage:     "segment a volume by growing a region from one or more seeds",
				UsageText: "mrisegment grow --input DIR --seed x,y,z [--seed x,y,z ...] [options]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagInput, Aliases: []string{"i"}, Usage: "directory holding the slices (or DICOM files) of the first channel", Required: true},
					repeatedFlag(flagChannel, nil, "directory holding an additional co-registered channel"),
					repeatedFlag(flagSeed, []string{"s"}, "seed voxel as x,y,z (x,y for a single slice), repeatable"),
					&cli.IntFlag{Name: flagIterations, Usage: "number of statistics refinement passes"},
					&cli.Float64Flag{Name: flagMultiplier, Usage: "width of the acceptance interval in standard deviations"},
					&cli.IntFlag{Name: flagRadius, Usage: "half-width of the initial neighborhood around each seed"},
					&cli.UintFlag{Name: flagReplaceValue, Usage: "label written for segmented voxels (1-255)"},
					&cli.StringFlag{Name: flagPolicy, Usage: "region update policy: reflood or expand"},
					&cli.BoolFlag{Name: flagStopOnConvergence, Usage: "stop once an iteration leaves the region unchanged"},
					&cli.IntFlag{Name: flagWorkers, Usage: "flood fill workers"},
					&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "YAML config file"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "output directory for the mask"},
					&cli.BoolFlag{Name: flagOverlay, Usage: "also write colour overlays of the mask"},
					&cli.StringFlag{Name: flagAxis, Usage: "slicing axis for overlays: x, y or z"},
					&cli.StringFlag{Name: flagFormat, Usage: "input format: auto, slices or dicom"},
					&cli.BoolFlag{Name: flagVerbose, Aliases: []string{"v"}, Usage: "log every iteration"},
				},
				Action: growAction,
			},
			{
				Name:      "inspect",
				Usage:     "print the shape and intensity range of a volume",
				UsageText: "mrisegment inspect --input DIR [--channel DIR ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagInput, Aliases: []string{"i"}, Required: true},
					repeatedFlag(flagChannel, nil, "directory holding an additional co-registered channel"),
					&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "YAML config file, only its processing section is used"},
					&cli.StringFlag{Name: flagFormat},
				},
				Action: inspectAction,
			},
			{
				Name:      "init-config",
				Usage:     "write a config file holding the default values",
				ArgsUsage: "FILE",
				Action:    initConfigAction,
			},
		},
	}
}

// loadConfig reads --config, applies the flags given on the command line and
// checks the result with validate
func loadConfig(c *cli.Context, validate func(*config.Config) error) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if c.IsSet(flagFormat) {
		cfg.Processing.Format = c.String(flagFormat)
	}
	if c.IsSet(flagSeed) {
		cfg.RegionGrow.Seeds = repeated(c, flagSeed)
	}
	if c.IsSet(flagIterations) {
		cfg.RegionGrow.Iterations = c.Int(flagIterations)
	}
	if c.IsSet(flagMultiplier) {
		cfg.RegionGrow.Multiplier = c.Float64(flagMultiplier)
	}
	if c.IsSet(flagRadius) {
		cfg.RegionGrow.InitialRadius = c.Int(flagRadius)
	}
	if c.IsSet(flagReplaceValue) {
		v := c.Uint(flagReplaceValue)
		if v == 0 || v > 255 {
			return nil, errors.Errorf("replace value must be in [1,255], got %d", v)
		}
		cfg.RegionGrow.ReplaceValue = uint8(v)
	}
	if c.IsSet(flagPolicy) {
		cfg.RegionGrow.Policy = c.String(flagPolicy)
	}
	if c.IsSet(flagStopOnConvergence) {
		cfg.RegionGrow.StopOnConvergence = c.Bool(flagStopOnConvergence)
	}
	if c.IsSet(flagWorkers) {
		cfg.RegionGrow.Workers = c.Int(flagWorkers)
	}
	if c.IsSet(flagOutput) {
		cfg.Output.Dir = c.String(flagOutput)
	}
	if c.IsSet(flagOverlay) {
		cfg.Output.SaveOverlays = c.Bool(flagOverlay)
	}
	if c.IsSet(flagAxis) {
		cfg.Output.Axis = strings.ToLower(c.String(flagAxis))
	}
	if c.IsSet(flagVerbose) {
		cfg.Output.Verbose = c.Bool(flagVerbose)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadVolume reads the main input and any extra channels and stacks them
func loadVolume(ctx context.Context, c *cli.Context, cfg *config.Config) (*models.Volume, error) {
	dirs := append([]string{c.String(flagInput)}, repeated(c, flagChannel)...)
	opts := cfg.VolumeOptions()

	vols := make([]*models.Volume, 0, len(dirs))
	for _, dir := range dirs {
		vol, err := volumeio.Load(ctx, dir, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", dir)
		}
		vols = append(vols, vol)
	}
	return volumeio.StackChannels(vols...)
}

func growAction(c *cli.Context) error {
	cfg, err := loadConfig(c, (*config.Config).Validate)
	if err != nil {
		return err
	}
	seeds, err := cfg.SeedIndices()
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return errors.New("at least one --seed is required")
	}
	params, err := cfg.RegionGrowParams()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out := c.App.Writer
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "CONFIDENCE CONNECTED REGION GROWING")
	fmt.Fprintln(out, "================================")

	ctx := c.Context
	startTime := time.Now()
	vol, err := loadVolume(ctx, c, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %dx%dx%d volume with %d channel(s) in %.2f seconds\n",
		vol.Width, vol.Height, vol.Depth, vol.Channels, time.Since(startTime).Seconds())

	startTime = time.Now()
	result, err := regiongrow.Grow(ctx, vol, seeds, params,
		regiongrow.WithLogger(logger),
		regiongrow.WithWorkers(cfg.RegionGrow.Workers))
	if err != nil {
		return err
	}
	elapsed := time.Since(startTime)

	fmt.Fprintf(out, "\nRegion growing (%s mode) finished in %.2f seconds\n", result.Mode, elapsed.Seconds())
	fmt.Fprintln(out, iterationTable(result))
	fmt.Fprintf(out, "Segmented voxels: %d of %d (%.2f%%)\n",
		len(result.Region), vol.Len(), 100*float64(len(result.Region))/float64(vol.Len()))

	maskDir := filepath.Join(cfg.Output.Dir, "mask")
	if err := volumeio.SaveMask(result.Mask, maskDir); err != nil {
		return errors.Wrap(err, "failed to save mask")
	}
	fmt.Fprintf(out, "Mask saved to: %s\n", maskDir)

	if cfg.Output.SaveOverlays {
		viewer, err := visualization.NewViewer(vol, result.Mask)
		if err != nil {
			return err
		}
		overlayDir := filepath.Join(cfg.Output.Dir, "overlay_"+cfg.Output.Axis)
		if err := viewer.SaveOverlaySequence(cfg.Output.Axis, overlayDir, cfg.Output.OverlayAlpha, cfg.Output.OverlayColor); err != nil {
			return errors.Wrap(err, "failed to save overlays")
		}
		fmt.Fprintf(out, "Overlays saved to: %s\n", overlayDir)
	}
	return nil
}

// iterationTable renders one row per pass
func iterationTable(result *regiongrow.Result) string {
	t := table.NewWriter()
	if result.Mode == regiongrow.ScalarMode {
		t.AppendHeader(table.Row{"Iteration", "Estimated on", "Mean", "StdDev", "Lower", "Upper", "Region", "Changed"})
	} else {
		t.AppendHeader(table.Row{"Iteration", "Estimated on", "Mean", "Covariance diagonal", "Region", "Changed"})
	}

	for _, it := range result.Iterations {
		if result.Mode == regiongrow.ScalarMode {
			t.AppendRow(table.Row{
				it.Iteration,
				it.StatsCount,
				fmt.Sprintf("%.2f", it.Mean[0]),
				fmt.Sprintf("%.2f", it.StdDev),
				fmt.Sprintf("%.2f", it.Lower),
				fmt.Sprintf("%.2f", it.Upper),
				it.Count,
				it.Changed,
			})
			continue
		}
		k := len(it.Mean)
		diag := make([]float64, k)
		for i := 0; i < k; i++ {
			diag[i] = it.Covariance[i*k+i]
		}
		t.AppendRow(table.Row{
			it.Iteration,
			it.StatsCount,
			formatFloats(it.Mean),
			formatFloats(diag),
			it.Count,
			it.Changed,
		})
	}
	return t.Render()
}

func formatFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%.2f", v)
	}
	return strings.Join(parts, ", ")
}

// inspectAction only loads the volume, so only the processing section of the
// config has to be valid
func inspectAction(c *cli.Context) error {
	cfg, err := loadConfig(c, (*config.Config).ValidateProcessing)
	if err != nil {
		return err
	}
	vol, err := loadVolume(c.Context, c, cfg)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Channel", "Size", "Voxel size (mm)", "Min", "Max", "Mean", "StdDev"})
	for ch := 0; ch < vol.Channels; ch++ {
		single, err := vol.Channel(ch)
		if err != nil {
			return err
		}
		lo, hi := single.Data[0], single.Data[0]
		for _, v := range single.Data {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		mean, std := stat.MeanStdDev(single.Data, nil)
		t.AppendRow(table.Row{
			ch,
			fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
			fmt.Sprintf("%.2f x %.2f x %.2f", vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z),
			fmt.Sprintf("%.1f", lo),
			fmt.Sprintf("%.1f", hi),
			fmt.Sprintf("%.1f", mean),
			fmt.Sprintf("%.1f", std),
		})
	}
	t.Render()
	return nil
}

func initConfigAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("init-config takes exactly one FILE argument")
	}
	path := c.Args().First()
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Default configuration written to: %s\n", path)
	return nil
}
