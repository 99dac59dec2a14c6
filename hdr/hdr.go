/*Package hdr merges the four sub-exposures of an HDR sequence into a single
radiance-weighted frame.  Fusion runs off the trigger path; the merged frame
carries the longest sub-exposure's metadata.
*/
package hdr

import (
	"errors"
	"fmt"

	"github.com/afsc-mace/trawlcam/camera"
)

// BankSize is the fixed sub-exposure count of an HDR sequence.
const BankSize = 4

// ErrIncompleteBank is returned when fewer than BankSize frames are offered.
var ErrIncompleteBank = errors.New("hdr: incomplete sub-exposure bank")

// Fuser merges a complete bank of sub-exposures into one frame.
type Fuser interface {
	Fuse(bank []camera.Frame) (camera.Frame, error)
}

// Weighted fuses by exposure-normalized averaging with a triangular weight
// that de-rates pixels near the black and saturation ends.
type Weighted struct {
	// Saturation is the pixel value treated as full scale.  Zero means
	// 12-bit full scale (4095).
	Saturation uint16
}

// NewFuser returns the fuser named by method.  "weighted" is the only
// method today; the name is kept in the config so others can be added
// without a file format change.
func NewFuser(method string) (Fuser, error) {
	switch method {
	case "", "weighted":
		return &Weighted{}, nil
	default:
		return nil, fmt.Errorf("hdr: unknown merge method %q", method)
	}
}

func (w *Weighted) sat() float64 {
	if w.Saturation == 0 {
		return 4095
	}
	return float64(w.Saturation)
}

// Fuse implements Fuser.  Frames must share dimensions; the output keeps
// the dimensions and the metadata of the longest exposure in the bank.
func (w *Weighted) Fuse(bank []camera.Frame) (camera.Frame, error) {
	if len(bank) != BankSize {
		return camera.Frame{}, ErrIncompleteBank
	}
	ref := bank[0]
	for _, f := range bank[1:] {
		if f.Width != ref.Width || f.Height != ref.Height {
			return camera.Frame{}, fmt.Errorf("hdr: mismatched frame %dx%d vs %dx%d",
				f.Width, f.Height, ref.Width, ref.Height)
		}
		if f.ExposureUs > ref.ExposureUs {
			ref = f
		}
	}
	sat := w.sat()
	n := ref.Width * ref.Height
	acc := make([]float64, n)
	wsum := make([]float64, n)
	for _, f := range bank {
		exp := float64(f.ExposureUs)
		if exp <= 0 {
			exp = 1
		}
		for i, p := range f.Pixels {
			v := float64(p)
			// triangular weight peaking at half scale
			wt := 1 - abs(v/sat-0.5)*2
			if wt < 0.01 {
				wt = 0.01
			}
			acc[i] += wt * v / exp
			wsum[i] += wt
		}
	}
	out := camera.Frame{
		Width:      ref.Width,
		Height:     ref.Height,
		ExposureUs: ref.ExposureUs,
		Gain:       ref.Gain,
		Timestamp:  ref.Timestamp,
		Pixels:     make([]uint16, n),
	}
	exp := float64(ref.ExposureUs)
	for i := range acc {
		v := acc[i] / wsum[i] * exp
		if v > sat {
			v = sat
		}
		out.Pixels[i] = uint16(v)
	}
	return out, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
