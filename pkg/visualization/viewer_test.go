package visualization

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"brainprep/internal/models"
)

func gradientVolume(width, height, depth int) *models.Volume {
	vol := models.NewVolume(width, height, depth, models.Spacing{X: 1, Y: 1, Z: 2})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Data[vol.Index(x, y, z)] = float64(x+y+z) / float64(width+height+depth)
			}
		}
	}
	return vol
}

// TestNewViewer verifies that a new viewer picks a window covering the data
func TestNewViewer(t *testing.T) {
	vol := gradientVolume(10, 10, 5)

	viewer := NewViewer(vol)
	low, high := viewer.Window()
	if low != 0 {
		t.Errorf("Expected window low 0, got %f", low)
	}
	if high <= 0 || high > 1 {
		t.Errorf("Expected window high in (0, 1], got %f", high)
	}

	empty := NewViewer(models.NewVolume(2, 2, 2, models.Spacing{X: 1, Y: 1, Z: 1}))
	if low, high := empty.Window(); low != 0 || high != 1 {
		t.Errorf("Expected default window [0, 1] for empty volume, got [%f, %f]", low, high)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	vol := models.NewVolume(width, height, depth, models.Spacing{X: 1, Y: 1, Z: 1})

	// Fill with test pattern: each slice along Z has a unique value
	for z := 0; z < depth; z++ {
		value := float64(z) / float64(depth)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Data[vol.Index(x, y, z)] = value
			}
		}
	}

	viewer := NewViewer(vol)
	viewer.SetWindow(0, 1)

	// Test extracting Z slices
	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		expectedValue := uint16(math.Max(0, math.Min(65535, float64(z)/float64(depth)*65535)))
		centerValue := img.Gray16At(width/2, height/2).Y
		if math.Abs(float64(centerValue)-float64(expectedValue)) > 1.0 {
			t.Errorf("Expected Z slice value ~%d at center, got %d",
				expectedValue, centerValue)
		}
	}

	// Sagittal slices are y across, z up
	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != height || b.Dy() != depth {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", height, depth, b.Dx(), b.Dy())
	}
	// superior (last z) is the top row
	if top, bottom := imgX.Gray16At(0, 0).Y, imgX.Gray16At(0, depth-1).Y; top <= bottom {
		t.Errorf("Expected top row brighter than bottom row, got %d <= %d", top, bottom)
	}

	// Coronal slices are x across, z up
	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	// Test invalid axis
	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}

	// Test out of bounds position
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestPixelSpacing verifies physical pixel sizes per view
func TestPixelSpacing(t *testing.T) {
	vol := models.NewVolume(2, 2, 2, models.Spacing{X: 1, Y: 2, Z: 3})
	cases := map[string][2]float64{"x": {2, 3}, "y": {1, 3}, "z": {1, 2}}
	for axis, want := range cases {
		across, up := PixelSpacing(vol, axis)
		if across != want[0] || up != want[1] {
			t.Errorf("axis %s: expected spacing %v, got (%f, %f)", axis, want, across, up)
		}
	}
}

// TestSaveSlice verifies that slices can be saved to disk
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	viewer := NewViewer(gradientVolume(10, 10, 5))

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(tempDir, "test_slice.jpg")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		t.Errorf("Saved file does not exist: %s", filename)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	depth := 3
	viewer := NewViewer(gradientVolume(5, 5, depth))

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
