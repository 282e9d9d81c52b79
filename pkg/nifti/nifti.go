// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz) into models.Volume, preserving voxel spacing and the voxel-to-world
// affine.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"brainprep/internal/models"
)

// Datatype codes (NIFTI_TYPE_*).
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

const (
	headerSize = 348
	voxOffset  = 352

	unitsMM = 2

	xformScanner = 1
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file NIfTI
}

// ReadFile loads the first 3D volume stored in a .nii or .nii.gz file.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vol, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vol, nil
}

// Read decodes a NIfTI-1 stream. Gzip compression is detected from the
// stream's magic bytes rather than the file name.
func Read(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		return decode(bufio.NewReader(gz))
	}
	return decode(br)
}

func decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 header (sizeof_hdr %d)", binary.LittleEndian.Uint32(raw[:4]))
		}
		order = binary.BigEndian
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q (only single-file n+1 is supported)", hdr.Magic[:3])
	}
	if hdr.Dim[0] < 3 || hdr.Dim[0] > 7 {
		return nil, fmt.Errorf("unsupported dimensionality %d", hdr.Dim[0])
	}

	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", nx, ny, nz)
	}

	bytesPer, err := bytesPerVoxel(hdr.DataType)
	if err != nil {
		return nil, err
	}

	// skip the extension block up to vox_offset
	if skip := int64(hdr.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skip to voxel data: %w", err)
		}
	}

	nvox := nx * ny * nz
	buf := make([]byte, nvox*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read voxel data: %w", err)
	}

	vol := models.NewVolume(nx, ny, nz, spacingOf(hdr))
	decodeVoxels(vol.Data, buf, hdr.DataType, order)

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}

	vol.Affine = affineOf(hdr, vol.VoxelSize)
	return vol, nil
}

// WriteFile stores vol at path using the given datatype. A .gz suffix
// selects gzip compression. The file is written to a temporary name in the
// same directory and renamed into place, so readers never see a partial file.
func WriteFile(path string, vol *models.Volume, dataType int16) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := Write(w, vol, dataType); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			cleanup()
			return fmt.Errorf("finish gzip stream: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Write encodes vol as an uncompressed little-endian NIfTI-1 stream.
func Write(w io.Writer, vol *models.Volume, dataType int16) error {
	bytesPer, err := bytesPerVoxel(dataType)
	if err != nil {
		return err
	}

	hdr := Header{
		SizeOfHdr: headerSize,
		DataType:  dataType,
		BitPix:    int16(bytesPer * 8),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		SFormCode: xformScanner,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 0, 0, 0, 0}
	for c := 0; c < 4; c++ {
		hdr.SRowX[c] = float32(vol.Affine[0][c])
		hdr.SRowY[c] = float32(vol.Affine[1][c])
		hdr.SRowZ[c] = float32(vol.Affine[2][c])
	}
	copy(hdr.Descrip[:], "brainprep")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, len(vol.Data)*bytesPer)
	encodeVoxels(buf, vol.Data, dataType)
	_, err = w.Write(buf)
	return err
}

func bytesPerVoxel(dataType int16) (int, error) {
	switch dataType {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", dataType)
	}
}

func decodeVoxels(dst []float64, src []byte, dataType int16, order binary.ByteOrder) {
	for i := range dst {
		switch dataType {
		case DTUint8:
			dst[i] = float64(src[i])
		case DTInt8:
			dst[i] = float64(int8(src[i]))
		case DTInt16:
			dst[i] = float64(int16(order.Uint16(src[2*i:])))
		case DTUint16:
			dst[i] = float64(order.Uint16(src[2*i:]))
		case DTInt32:
			dst[i] = float64(int32(order.Uint32(src[4*i:])))
		case DTUint32:
			dst[i] = float64(order.Uint32(src[4*i:]))
		case DTFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(src[4*i:])))
		case DTFloat64:
			dst[i] = math.Float64frombits(order.Uint64(src[8*i:]))
		}
	}
}

func encodeVoxels(dst []byte, src []float64, dataType int16) {
	le := binary.LittleEndian
	for i, v := range src {
		switch dataType {
		case DTUint8:
			dst[i] = uint8(clampRound(v, 0, math.MaxUint8))
		case DTInt8:
			dst[i] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case DTInt16:
			le.PutUint16(dst[2*i:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case DTUint16:
			le.PutUint16(dst[2*i:], uint16(clampRound(v, 0, math.MaxUint16)))
		case DTInt32:
			le.PutUint32(dst[4*i:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		case DTUint32:
			le.PutUint32(dst[4*i:], uint32(clampRound(v, 0, math.MaxUint32)))
		case DTFloat32:
			le.PutUint32(dst[4*i:], math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func spacingOf(hdr Header) models.Spacing {
	dim := func(v float32) float64 {
		d := math.Abs(float64(v))
		if d == 0 || math.IsNaN(d) {
			return 1
		}
		return d
	}
	return models.Spacing{X: dim(hdr.PixDim[1]), Y: dim(hdr.PixDim[2]), Z: dim(hdr.PixDim[3])}
}

// affineOf prefers the sform, falls back to the qform, and finally to a
// plain scaling matrix, following the NIfTI-1 method precedence.
func affineOf(hdr Header, sp models.Spacing) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	switch {
	case hdr.SFormCode > 0:
		for c := 0; c < 4; c++ {
			a[0][c] = float64(hdr.SRowX[c])
			a[1][c] = float64(hdr.SRowY[c])
			a[2][c] = float64(hdr.SRowZ[c])
		}
	case hdr.QFormCode > 0:
		rot := quaternionRotation(float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD))
		qfac := 1.0
		if hdr.PixDim[0] < 0 {
			qfac = -1
		}
		scale := mat.NewDiagDense(3, []float64{sp.X, sp.Y, qfac * sp.Z})
		var m mat.Dense
		m.Mul(rot, scale)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a[r][c] = m.At(r, c)
			}
		}
		a[0][3] = float64(hdr.QOffsetX)
		a[1][3] = float64(hdr.QOffsetY)
		a[2][3] = float64(hdr.QOffsetZ)
	default:
		a[0][0], a[1][1], a[2][2] = sp.X, sp.Y, sp.Z
	}
	return a
}

func quaternionRotation(b, c, d float64) *mat.Dense {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// special case: 180 degree rotation
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
	})
}
