package imgrec_test

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/camera"
	"github.com/nasa-jpl/autoguide/imgrec"
)

var taken = time.Date(2026, 3, 1, 22, 15, 0, 0, time.UTC)

func frame() camera.Frame {
	img := image.NewGray16(image.Rect(0, 0, 8, 4))
	for i := 0; i < 32; i++ {
		v := uint16(1000 + 100*i)
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return camera.Frame{
		Image:    img,
		Origin:   image.Pt(40, 20),
		Taken:    taken,
		Exposure: camera.Exposure{Duration: 1500 * time.Millisecond},
	}
}

func TestRecordIncrements(t *testing.T) {
	root := t.TempDir()
	r := &imgrec.Recorder{Root: root, Prefix: "guide"}
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(frame()))
	}
	for _, n := range []string{"guide000001.fits", "guide000002.fits", "guide000003.fits"} {
		_, err := os.Stat(filepath.Join(root, "2026-03-01", n))
		assert.NoError(t, err, n)
	}

	// a new recorder continues where the files on disk leave off
	r2 := &imgrec.Recorder{Root: root, Prefix: "guide"}
	require.NoError(t, r2.Record(frame()))
	assert.Equal(t, 4, r2.Counter())
}

func TestRecordRejectsColor(t *testing.T) {
	r := &imgrec.Recorder{Root: t.TempDir()}
	err := r.Record(camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), Taken: taken})
	assert.Error(t, err)
}

func TestFitsContents(t *testing.T) {
	root := t.TempDir()
	r := &imgrec.Recorder{Root: root, Prefix: "g"}
	require.NoError(t, r.Record(frame()))

	fid, err := os.Open(filepath.Join(root, "2026-03-01", "g000001.fits"))
	require.NoError(t, err)
	defer fid.Close()
	f, err := fitsio.Open(fid)
	require.NoError(t, err)
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	require.True(t, ok)
	assert.Equal(t, []int{8, 4}, img.Header().Axes())
	card := img.Header().Get("EXPTIME")
	require.NotNil(t, card)
	assert.InDelta(t, 1.5, card.Value, 1e-9)

	var raw []int16
	require.NoError(t, img.Read(&raw))
	require.Len(t, raw, 32)
	// pixels were 1000, 1100, 1200, ... in row order
	for i := 1; i < len(raw); i++ {
		assert.Equal(t, 100, int(raw[i])-int(raw[i-1]), "pixel %d", i)
	}
}
