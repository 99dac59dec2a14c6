// this file contains the frame orientation corrections
package camera

// Rotate returns the frame with the given orientation correction applied.
// The data is row major; quarter-turn rotations swap width and height.
func Rotate(f Frame, r Rotation) Frame {
	switch r {
	case RotCW90:
		return rotCW90(f)
	case RotCW180:
		return rotCW180(f)
	case RotCW270:
		// 270 clockwise is 90 clockwise three times; equivalently one
		// counter-clockwise quarter turn
		return rotCW90(rotCW180(f))
	case RotFlipUD:
		return flipUD(f)
	case RotFlipLR:
		return flipLR(f)
	default:
		return f
	}
}

func rotCW90(f Frame) Frame {
	out := f
	out.Width = f.Height
	out.Height = f.Width
	out.Pixels = make([]uint16, len(f.Pixels))
	// dest (i,j) comes from source (h-1-j, i)
	for i := 0; i < out.Height; i++ {
		for j := 0; j < out.Width; j++ {
			out.Pixels[i*out.Width+j] = f.Pixels[(f.Height-1-j)*f.Width+i]
		}
	}
	return out
}

func rotCW180(f Frame) Frame {
	out := f
	out.Pixels = make([]uint16, len(f.Pixels))
	n := len(f.Pixels)
	for i := 0; i < n; i++ {
		out.Pixels[i] = f.Pixels[n-1-i]
	}
	return out
}

func flipUD(f Frame) Frame {
	out := f
	out.Pixels = make([]uint16, len(f.Pixels))
	for row := 0; row < f.Height; row++ {
		src := f.Pixels[(f.Height-1-row)*f.Width : (f.Height-row)*f.Width]
		copy(out.Pixels[row*f.Width:(row+1)*f.Width], src)
	}
	return out
}

func flipLR(f Frame) Frame {
	out := f
	out.Pixels = make([]uint16, len(f.Pixels))
	for row := 0; row < f.Height; row++ {
		for col := 0; col < f.Width; col++ {
			out.Pixels[row*f.Width+col] = f.Pixels[row*f.Width+(f.Width-1-col)]
		}
	}
	return out
}
