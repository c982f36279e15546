// Package nifti reads and writes uncompressed single-file NIfTI-1 volumes
// (.nii). It covers exactly what the command-line pipeline needs: loading
// 3D/4D numeric volumes of the common datatypes into float64 grids and
// writing float32 result maps. It is not a general NIfTI library.
//
// Header layout follows the official nifti1.h definition.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"dmrish/pkg/volume"
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const headerSize = 348

// header is the 348-byte NIfTI-1 header. Field sizes must match nifti1.h
// exactly so encoding/binary round-trips it.
type header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8
}

// Image is a loaded volume: up to 4 dimensions, values already rescaled by
// scl_slope/scl_inter.
type Image struct {
	NX, NY, NZ, NT int
	PixDim         [4]float32
	Data           []float64 // file order: x fastest, then y, z, t
}

// ReadImage loads an uncompressed .nii file.
func ReadImage(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: file shorter than NIfTI-1 header", path)
	}

	var hdr header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if hdr.SizeOfHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if hdr.SizeOfHdr != headerSize {
			return nil, fmt.Errorf("%s: not a NIfTI-1 file (sizeof_hdr=%d)", path, hdr.SizeOfHdr)
		}
	}
	if hdr.Magic[0] != 'n' || hdr.Magic[1] != '+' || hdr.Magic[2] != '1' {
		return nil, fmt.Errorf("%s: unsupported magic (only single-file n+1)", path)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("%s: unsupported dimensionality %d", path, ndim)
	}
	img := &Image{NX: int(hdr.Dim[1]), NY: int(hdr.Dim[2]), NZ: int(hdr.Dim[3]), NT: 1}
	if ndim == 4 {
		img.NT = int(hdr.Dim[4])
	}
	for i := 0; i < 4; i++ {
		img.PixDim[i] = hdr.PixDim[i+1]
	}

	n := img.NX * img.NY * img.NZ * img.NT
	off := int(hdr.VoxOffset)
	bytesPer := int(hdr.BitPix) / 8
	if off < headerSize {
		return nil, fmt.Errorf("%s: invalid vox_offset %d", path, off)
	}
	if bytesPer < 1 {
		return nil, fmt.Errorf("%s: invalid bitpix %d", path, hdr.BitPix)
	}
	if n < 1 || off+n*bytesPer > len(raw) {
		return nil, fmt.Errorf("%s: truncated voxel data", path)
	}
	payload := raw[off : off+n*bytesPer]

	img.Data = make([]float64, n)
	switch hdr.DataType {
	case dtUint8:
		for i := 0; i < n; i++ {
			img.Data[i] = float64(payload[i])
		}
	case dtInt16:
		for i := 0; i < n; i++ {
			img.Data[i] = float64(int16(order.Uint16(payload[i*2:])))
		}
	case dtInt32:
		for i := 0; i < n; i++ {
			img.Data[i] = float64(int32(order.Uint32(payload[i*4:])))
		}
	case dtFloat32:
		for i := 0; i < n; i++ {
			img.Data[i] = float64(math.Float32frombits(order.Uint32(payload[i*4:])))
		}
	case dtFloat64:
		for i := 0; i < n; i++ {
			img.Data[i] = math.Float64frombits(order.Uint64(payload[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%s: unsupported datatype %d", path, hdr.DataType)
	}

	// scl_slope == 0 means "no scaling" by convention.
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range img.Data {
			img.Data[i] = img.Data[i]*slope + inter
		}
	}

	return img, nil
}

// Grid4 converts the image to the channel-contiguous grid layout. NIfTI
// stores the fourth dimension slowest; the grid stores it per voxel.
func (img *Image) Grid4() *volume.Grid4[float64] {
	g := volume.NewGrid4[float64](img.NX, img.NY, img.NZ, img.NT)
	nvox := img.NX * img.NY * img.NZ
	for t := 0; t < img.NT; t++ {
		for v := 0; v < nvox; v++ {
			g.Data[v*img.NT+t] = img.Data[t*nvox+v]
		}
	}
	return g
}

// Mask converts the image's first volume to a boolean mask (non-zero means
// active).
func (img *Image) Mask() *volume.Mask {
	m := volume.NewMask(img.NX, img.NY, img.NZ)
	for v := range m.Data {
		m.Data[v] = img.Data[v] != 0
	}
	return m
}

// WriteGrid4 stores a 4D grid as a float32 single-file NIfTI-1 volume.
func WriteGrid4(path string, g *volume.Grid4[float64], pixDim [4]float32) error {
	nvox := g.NVoxels()
	data := make([]float64, nvox*g.NC)
	for t := 0; t < g.NC; t++ {
		for v := 0; v < nvox; v++ {
			data[t*nvox+v] = g.Data[v*g.NC+t]
		}
	}
	return write(path, [4]int{g.NX, g.NY, g.NZ, g.NC}, pixDim, data)
}

// WriteGrid3 stores a 3D grid as a float32 single-file NIfTI-1 volume.
func WriteGrid3(path string, g *volume.Grid3[float64], pixDim [4]float32) error {
	return write(path, [4]int{g.NX, g.NY, g.NZ, 1}, pixDim, g.Data)
}

func write(path string, dims [4]int, pixDim [4]float32, data []float64) error {
	ndim := int16(3)
	if dims[3] > 1 {
		ndim = 4
	}
	hdr := header{
		SizeOfHdr: headerSize,
		Dim:       [8]int16{ndim, int16(dims[0]), int16(dims[1]), int16(dims[2]), int16(dims[3]), 1, 1, 1},
		DataType:  dtFloat32,
		BitPix:    32,
		PixDim:    [8]float32{1, pixDim[0], pixDim[1], pixDim[2], pixDim[3], 1, 1, 1},
		VoxOffset: headerSize + 4,
		SclSlope:  1,
		Magic:     [4]int8{'n', '+', '1', 0},
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	buf.Write([]byte{0, 0, 0, 0}) // extension flag
	for _, v := range data {
		if err := binary.Write(&buf, binary.LittleEndian, float32(v)); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
