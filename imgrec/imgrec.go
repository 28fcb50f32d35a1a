// Package imgrec contains an image recorder used to automatically save guide frames to disk.
package imgrec

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/autoguide/camera"
)

// Recorder records frames as FITS files with incrementing filenames in
// yyyy-mm-dd subfolders
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string
}

// updateFolder updates the folder for frames taken at t
func (r *Recorder) updateFolder(t time.Time) {
	if t.IsZero() {
		t = time.Now()
	}
	y, m, d := t.Date()
	fldr := fmt.Sprintf("%04d-%02d-%02d", y, m, d)
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = 0
	}
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Record writes f to the next file.  It implements guider.FrameSink.
func (r *Recorder) Record(f camera.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder(f.Taken)
	if r.counter == 0 {
		r.incr()
	} else {
		r.counter++
	}
	fldr, err := r.mkDir()
	if err != nil {
		return err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer fid.Close()
	return WriteFits(fid, f)
}

// incr updates the filename counter; it scans the folder to do so.  If there is an error, the counter is not incremented
func (r *Recorder) incr() {
	dn, _ := r.mkDir()
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.Prefix)
		bit = bit[:len(bit)-5] // pop fits
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// Counter is the number of the last file written
func (r *Recorder) Counter() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// WriteFits streams f to w as a 16-bit FITS image.  The readout origin,
// exposure time and time of the frame go in the header.
func WriteFits(w io.Writer, f camera.Frame) error {
	if f.Image == nil {
		return fmt.Errorf("imgrec: frame has no image")
	}
	b := f.Image.Bounds()
	width, height := b.Dx(), b.Dy()
	ints := make([]int16, width*height)
	switch img := f.Image.(type) {
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
				ints[y*width+x] = int16(int32(v) - 32768)
			}
		}
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := img.GrayAt(b.Min.X+x, b.Min.Y+y).Y
				ints[y*width+x] = int16(int32(v) - 32768)
			}
		}
	default:
		return fmt.Errorf("imgrec: unsupported image type %T", f.Image)
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	metadata := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "EXPTIME", Value: f.Exposure.Duration.Seconds(), Comment: "exposure time, seconds"},
		{Name: "XORIGIN", Value: f.Origin.X, Comment: "left of readout on the sensor"},
		{Name: "YORIGIN", Value: f.Origin.Y, Comment: "top of readout on the sensor"},
	}
	if !f.Taken.IsZero() {
		metadata = append(metadata, fitsio.Card{Name: "DATE-OBS", Value: f.Taken.UTC().Format("2006-01-02T15:04:05.000"), Comment: "end of exposure, UTC"})
	}
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
