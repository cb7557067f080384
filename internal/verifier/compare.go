package verifier

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
)

// maxMeanDiff is the largest mean per-channel difference, as a fraction of
// full scale, at which two decoded images still count as the same render.
const maxMeanDiff = 0.01

// compareOutputs reports whether every image rendered into renderedDir has a
// matching file of the same name among the result files. It fails when the
// renderer produced nothing to compare.
func compareOutputs(renderedDir, resultDir string, resultFiles []string) (bool, error) {
	entries, err := os.ReadDir(renderedDir)
	if err != nil {
		return false, fmt.Errorf("read rendered outputs: %w", err)
	}
	results := make(map[string]string, len(resultFiles))
	for _, f := range resultFiles {
		results[filepath.Base(f)] = filepath.Join(resultDir, filepath.FromSlash(f))
	}

	compared := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		counterpart, ok := results[e.Name()]
		if !ok {
			return false, nil
		}
		same, err := sameImage(filepath.Join(renderedDir, e.Name()), counterpart)
		if err != nil {
			return false, err
		}
		if !same {
			return false, nil
		}
		compared++
	}
	if compared == 0 {
		return false, fmt.Errorf("renderer produced no output in %s", renderedDir)
	}
	return true, nil
}

// sameImage compares two files pixel-wise when both decode as images and
// byte-wise otherwise.
func sameImage(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}

	ia, _, errA := image.Decode(bytes.NewReader(da))
	ib, _, errB := image.Decode(bytes.NewReader(db))
	if errA != nil || errB != nil {
		return bytes.Equal(da, db), nil
	}
	return meanDiff(ia, ib) <= maxMeanDiff, nil
}

// meanDiff returns the mean absolute RGBA difference of two images as a
// fraction of full scale. Images of different size differ completely.
func meanDiff(a, b image.Image) float64 {
	ra, rb := a.Bounds(), b.Bounds()
	if ra.Dx() != rb.Dx() || ra.Dy() != rb.Dy() {
		return 1
	}
	if ra.Empty() {
		return 0
	}

	var sum float64
	for y := 0; y < ra.Dy(); y++ {
		for x := 0; x < ra.Dx(); x++ {
			r1, g1, b1, a1 := a.At(ra.Min.X+x, ra.Min.Y+y).RGBA()
			r2, g2, b2, a2 := b.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			sum += absDiff(r1, r2) + absDiff(g1, g2) + absDiff(b1, b2) + absDiff(a1, a2)
		}
	}
	return sum / (4 * 0xffff * float64(ra.Dx()*ra.Dy()))
}

func absDiff(a, b uint32) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}
