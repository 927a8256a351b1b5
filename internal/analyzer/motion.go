package analyzer

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Metrics is the per-tick result of scanning one frame.
type Metrics struct {
	Intensity   int
	FoamHeight  float64
	BubbleCount int
	ColorR      int
	ColorG      int
	ColorB      int

	Sampled      int
	Moving       int
	HighContrast int

	// Skipped is set when the frame could not be read. All other fields are zero.
	Skipped bool
}

// MotionAnalyzer extracts motion and color signal from consecutive frames.
// It exclusively owns the previous-frame snapshot and is not safe for
// concurrent use.
type MotionAnalyzer struct {
	cfg   Config
	frame *image.RGBA
	prev  []uint8
}

func NewMotionAnalyzer(cfg Config) (*MotionAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &MotionAnalyzer{
		cfg:   cfg,
		frame: image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}, nil
}

// HasSnapshot reports whether a previous frame is held.
func (a *MotionAnalyzer) HasSnapshot() bool {
	return a.prev != nil
}

// Reset drops the previous-frame snapshot.
func (a *MotionAnalyzer) Reset() {
	a.prev = nil
}

// Analyze scans img against the previous snapshot and then stores img as the
// new snapshot. A nil or empty image yields skipped metrics and leaves the
// snapshot untouched.
func (a *MotionAnalyzer) Analyze(img image.Image) Metrics {
	if img == nil || img.Bounds().Empty() {
		return Metrics{Skipped: true}
	}

	a.load(img)

	w, h := a.cfg.Width, a.cfg.Height
	pix := a.frame.Pix
	motion := a.cfg.MotionThreshold
	bubble := a.cfg.BubbleThreshold

	var (
		rSum, gSum, bSum     int
		sampled, moving, hot int
		minRow               = h
	)

	for p := 0; p < w*h; p += a.cfg.Stride {
		i := p * 4
		r, g, b := int(pix[i]), int(pix[i+1]), int(pix[i+2])
		rSum += r
		gSum += g
		bSum += b
		sampled++

		if a.prev == nil {
			continue
		}

		diff := absInt(r-int(a.prev[i])) + absInt(g-int(a.prev[i+1])) + absInt(b-int(a.prev[i+2]))
		if diff <= motion {
			continue
		}

		moving++
		if y := p / w; y < minRow {
			minRow = y
		}
		if diff > bubble {
			hot++
		}
	}

	if a.prev == nil {
		a.prev = make([]uint8, len(pix))
	}
	copy(a.prev, pix)

	m := Metrics{
		Sampled:      sampled,
		Moving:       moving,
		HighContrast: hot,
		ColorR:       roundInt(float64(rSum) / float64(sampled)),
		ColorG:       roundInt(float64(gSum) / float64(sampled)),
		ColorB:       roundInt(float64(bSum) / float64(sampled)),
	}

	m.Intensity = min(100, roundInt(float64(moving)/(float64(sampled)*a.cfg.ReferenceFraction)*100))
	m.BubbleCount = roundInt(float64(hot) / a.cfg.BubbleDivisor)

	if m.Intensity > a.cfg.FoamGate {
		fromBottom := float64(h - minRow)
		m.FoamHeight = math.Round(fromBottom/float64(h)*a.cfg.HeightScale*10) / 10
	}

	return m
}

// load copies img into the analysis buffer, scaling when the source
// resolution differs.
func (a *MotionAnalyzer) load(img image.Image) {
	b := img.Bounds()
	dst := a.frame

	if b.Dx() == a.cfg.Width && b.Dy() == a.cfg.Height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return
	}

	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}

	return x
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
