package camera_simulator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	starFieldSeed  = 42
	starCount      = 250
	starBackground = 1200
)

// frameSource provides the scene seen by the simulated sensor. The newest
// image dropped into the frames directory is used; without one a synthetic
// star field is generated.
type frameSource struct {
	dir    string
	width  int
	height int
	mono   bool
	logger log.FieldLogger

	mu    sync.RWMutex
	scene image.Image // width x height
	path  string      // file the scene was loaded from, empty for the star field
}

func newFrameSource(cfg SimulatorConfig, logger log.FieldLogger) *frameSource {
	fs := &frameSource{
		dir:    cfg.FramesDir,
		width:  cfg.Width,
		height: cfg.Height,
		mono:   cfg.BayerPattern == "",
		logger: logger,
		scene:  starField(cfg.Width, cfg.Height, starFieldSeed),
	}

	if fs.dir != "" {
		if path, ok := newestImage(fs.dir); ok {
			if err := fs.load(path); err != nil {
				fs.logger.Warnf("Failed to load %s: %v", path, err)
			}
		}
	}
	return fs
}

// Scene returns the current scene and the file it was loaded from.
func (fs *frameSource) Scene() (image.Image, string) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.scene, fs.path
}

// Run watches the frames directory until ctx is done.
func (fs *frameSource) Run(ctx context.Context) error {
	if fs.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(fs.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fs.dir, err)
	}
	fs.logger.Debugf("Watching %s for frames", fs.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isImageFile(ev.Name) {
				continue
			}
			if err := fs.load(ev.Name); err != nil {
				// Files are often seen before they are completely written.
				fs.logger.Debugf("Failed to load %s: %v", ev.Name, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.logger.Errorf("Watcher error: %v", err)
		}
	}
}

func (fs *frameSource) load(path string) error {
	var img image.Image
	var err error
	if isFITS(path) {
		img, err = openFITS(path)
	} else {
		img, err = imaging.Open(path)
	}
	if err != nil {
		return err
	}

	scene := image.Image(imaging.Fill(img, fs.width, fs.height, imaging.Center, imaging.Lanczos))
	if fs.mono {
		scene = imaging.Grayscale(scene)
	}

	fs.mu.Lock()
	fs.scene = scene
	fs.path = path
	fs.mu.Unlock()

	fs.logger.Infof("Loaded frame %s", filepath.Base(path))
	return nil
}

func openFITS(path string) (image.Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS file: %w", err)
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	img := hdu.Image()
	if img == nil {
		return nil, fmt.Errorf("unsupported FITS image")
	}
	return img, nil
}

func isFITS(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return true
	}
	return false
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return isFITS(path)
}

// newestImage returns the most recently modified image in dir.
func newestImage(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var newest string
	var newestTime int64
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); newest == "" || t > newestTime {
			newest = filepath.Join(dir, e.Name())
			newestTime = t
		}
	}
	return newest, newest != ""
}

// starField renders a deterministic field of gaussian stars over a noisy
// background.
func starField(width, height int, seed int64) *image.Gray16 {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray16(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := starBackground + rng.NormFloat64()*40
			img.SetGray16(x, y, color.Gray16{Y: clamp16(v)})
		}
	}

	for i := 0; i < starCount; i++ {
		cx := rng.Float64() * float64(width)
		cy := rng.Float64() * float64(height)
		peak := 2000 + rng.ExpFloat64()*8000
		sigma := 0.8 + rng.Float64()*1.2

		r := int(math.Ceil(4 * sigma))
		for y := int(cy) - r; y <= int(cy)+r; y++ {
			for x := int(cx) - r; x <= int(cx)+r; x++ {
				if x < 0 || y < 0 || x >= width || y >= height {
					continue
				}
				dx, dy := float64(x)-cx, float64(y)-cy
				v := float64(img.Gray16At(x, y).Y) + peak*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				img.SetGray16(x, y, color.Gray16{Y: clamp16(v)})
			}
		}
	}
	return img
}

func clamp16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
