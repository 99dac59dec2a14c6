/*Package imgwriter names and writes image files.

File names carry the image number, the trigger timestamp, and the camera
name so imagery remains self describing even when the metadata database is
unavailable.  FITS output keeps the full sensor depth; JPEG output is an
8-bit rendering for quick review.
*/
package imgwriter

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"

	"github.com/afsc-mace/trawlcam/camera"
)

// Stamp carries everything a file name needs.
type Stamp struct {
	Number int
	Frame  camera.Frame
	Camera string

	// HDRIndex is the 1-based sub-exposure index for HDR stills, 0 for
	// non-HDR, -1 for a merged HDR frame.
	HDRIndex int
}

// Basename builds the file name without extension.  Numbers are padded to 6
// digits, widening to 9 once the deployment passes a million images.
func (s Stamp) Basename() string {
	pad := 6
	if s.Number > 999999 {
		pad = 9
	}
	ts := s.Frame.Timestamp
	name := fmt.Sprintf("%0*d_D%s-T%s.%03d_%s",
		pad, s.Number,
		ts.Format("20060102"), ts.Format("150405"),
		ts.Nanosecond()/1e6, s.Camera)
	switch {
	case s.HDRIndex > 0:
		name += fmt.Sprintf("_HDR-%d-%d-%g", s.HDRIndex, s.Frame.ExposureUs, s.Frame.Gain)
	case s.HDRIndex < 0:
		name += "_HDR-merged"
	}
	return name
}

// Format selects the still encoding.
type Format int

const (
	FITS Format = iota
	JPEG
)

// ParseFormat maps the config string to a Format; anything that is not jpeg
// is FITS.
func ParseFormat(s string) Format {
	if s == "jpeg" || s == "jpg" {
		return JPEG
	}
	return FITS
}

func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return ".fits"
}

// Writer encodes frames to a directory.
type Writer struct {
	Dir     string
	Format  Format
	Quality int
}

// Save writes the frame to disk and returns the file name (relative to Dir)
// and the MD5 of the bytes written.
func (w *Writer) Save(s Stamp) (string, string, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", "", fmt.Errorf("imgwriter: %w", err)
	}
	name := s.Basename() + w.Format.Ext()
	f, err := os.Create(filepath.Join(w.Dir, name))
	if err != nil {
		return "", "", fmt.Errorf("imgwriter: %w", err)
	}
	sum := md5.New()
	dst := io.MultiWriter(f, sum)
	if w.Format == JPEG {
		err = EncodeJPEG(dst, s.Frame, w.Quality)
	} else {
		err = encodeFITS(dst, s.Frame)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(filepath.Join(w.Dir, name))
		return "", "", fmt.Errorf("imgwriter: encoding %s: %w", name, err)
	}
	return name, hex.EncodeToString(sum.Sum(nil)), nil
}

func encodeFITS(w io.Writer, fr camera.Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{fr.Width, fr.Height})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "EXPTIME", Value: float64(fr.ExposureUs) / 1e6, Comment: "exposure time, seconds"},
		{Name: "GAIN", Value: fr.Gain, Comment: "analog gain, dB"},
		{Name: "DATE-OBS", Value: fr.Timestamp.UTC().Format("2006-01-02T15:04:05.000")},
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	// fitsio wants signed 16-bit data with BZERO carrying the offset
	buf := make([]int16, len(fr.Pixels))
	for i, p := range fr.Pixels {
		buf[i] = int16(p - 32768)
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}

// EncodeJPEG writes an 8-bit JPEG rendering of the frame; the network
// server uses it for frame previews.
func EncodeJPEG(w io.Writer, fr camera.Frame, quality int) error {
	if quality <= 0 {
		quality = 90
	}
	img := image.NewGray(image.Rect(0, 0, fr.Width, fr.Height))
	// 12-bit sensor data down to 8 bits
	for i, p := range fr.Pixels {
		v := p >> 4
		if v > 255 {
			v = 255
		}
		img.Pix[i] = uint8(v)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
