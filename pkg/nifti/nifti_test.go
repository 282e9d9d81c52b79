package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainprep/internal/models"
)

func testVolume() *models.Volume {
	vol := models.NewVolume(5, 4, 3, models.Spacing{X: 0.9375, Y: 0.9375, Z: 1.2})
	vol.Affine[0][3] = -80
	vol.Affine[1][3] = -120.5
	vol.Affine[2][3] = -60
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 1.5
	}
	return vol
}

func TestHeaderIsStandardSize(t *testing.T) {
	assert.Equal(t, headerSize, binary.Size(Header{}))
}

func TestRoundTripFloat32(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := testVolume()
			require.NoError(t, WriteFile(path, want, DTFloat32))

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, want.Shape(), got.Shape())
			assert.InDelta(t, want.VoxelSize.X, got.VoxelSize.X, 1e-6)
			assert.InDelta(t, want.VoxelSize.Z, got.VoxelSize.Z, 1e-6)
			for r := 0; r < 4; r++ {
				for c := 0; c < 4; c++ {
					assert.InDelta(t, want.Affine[r][c], got.Affine[r][c], 1e-4, "affine[%d][%d]", r, c)
				}
			}
			assert.InDeltaSlice(t, want.Data, got.Data, 1e-4)
		})
	}
}

func TestRoundTripUint8Mask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nii.gz")
	vol := models.NewVolume(3, 3, 1, models.Spacing{X: 1, Y: 1, Z: 1})
	copy(vol.Data, []float64{0, 1, 1, 0, 1, 0, 0, 0, 1})
	require.NoError(t, WriteFile(path, vol, DTUint8))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, got.Data)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "a.nii.gz"), testVolume(), DTFloat32))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.nii.gz", entries[0].Name())
}

func TestReadQFormAndScaling(t *testing.T) {
	hdr := Header{
		SizeOfHdr: headerSize,
		DataType:  DTInt16,
		BitPix:    16,
		VoxOffset: voxOffset,
		SclSlope:  2,
		SclInter:  1,
		QFormCode: 1,
		// 180 degrees about z
		QuaternD: 1,
		QOffsetX: 10,
		QOffsetY: 20,
		QOffsetZ: 30,
		Magic:    [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1, 2, 3, 4}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int16{5, -3}))

	vol, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{11, -5}, vol.Data)
	assert.Equal(t, models.Spacing{X: 2, Y: 3, Z: 4}, vol.VoxelSize)

	assert.InDelta(t, -2, vol.Affine[0][0], 1e-9)
	assert.InDelta(t, -3, vol.Affine[1][1], 1e-9)
	assert.InDelta(t, 4, vol.Affine[2][2], 1e-9)
	assert.InDelta(t, 10, vol.Affine[0][3], 1e-9)
	assert.InDelta(t, 30, vol.Affine[2][3], 1e-9)
}

func TestReadBigEndian(t *testing.T) {
	hdr := Header{
		SizeOfHdr: headerSize,
		DataType:  DTFloat32,
		BitPix:    32,
		VoxOffset: voxOffset,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1, 1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &hdr))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []float32{1.25, math.Pi}))

	vol, err := Read(&buf)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.25, math.Pi}, vol.Data, 1e-6)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 400)))
	assert.Error(t, err)

	_, err = Read(bytes.NewReader([]byte("short")))
	assert.Error(t, err)
}

func TestEncodeClampsIntegers(t *testing.T) {
	dst := make([]byte, 3)
	encodeVoxels(dst, []float64{-4, 300, math.NaN()}, DTUint8)
	assert.Equal(t, []byte{0, 255, 0}, dst)
}
