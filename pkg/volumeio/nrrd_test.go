package volumeio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/logging"
)

func sampleVolume() *models.LabelVolume {
	vol := models.NewLabelVolume(4, 3, 2)
	for i := range vol.Data {
		vol.Data[i] = uint32(i * 1000003)
	}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 25, 25, 25
	return vol
}

func TestWriteReadFile(t *testing.T) {
	logging.Capture(t)
	dir := t.TempDir()

	for _, compress := range []bool{false, true} {
		path := filepath.Join(dir, "vol.nrrd")
		vol := sampleVolume()
		require.NoError(t, WriteFile(path, vol, WriteOptions{Compress: compress}))

		got, err := ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, vol.Data, got.Data, "compress=%v", compress)
		assert.NoError(t, got.SameShape(vol))
		assert.Equal(t, 25.0, got.VoxelSize.Z)
	}
}

func TestReadBigEndianUint16(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NRRD0004\n# comment\ntype: unsigned short\ndimension: 3\nsizes: 2 1 1\n" +
		"space directions: (10,0,0) (0,20,0) (0,0,30)\nendian: big\nencoding: raw\nlabel:=ignored\n\n")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint16{7, 65535}))

	vol, h, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "uint16", h.Type)
	assert.True(t, h.BigEndian)
	assert.Equal(t, []uint32{7, 65535}, vol.Data)
	assert.Equal(t, [3]float64{10, 20, 30}, h.Spacings)
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		data   []byte
		msg    string
	}{
		{"magic", "P6\n", nil, "not a NRRD file"},
		{"dimension", "NRRD0004\ntype: uint32\ndimension: 2\nsizes: 1 1\n\n", nil, "dimension"},
		{"type", "NRRD0004\ntype: float\ndimension: 3\nsizes: 1 1 1\n\n", nil, `type "float"`},
		{"detached", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 1 1 1\ndata file: x.raw\n\n", nil, "detached"},
		{"encoding", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 1 1 1\nencoding: bzip2\n\n", nil, "encoding"},
		{"negative", "NRRD0004\ntype: int32\ndimension: 3\nsizes: 1 1 1\n\n", []byte{0xff, 0xff, 0xff, 0xff}, "negative label -1"},
		{"short", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 2 1 1\n\n", []byte{1, 0, 0, 0}, "8 B expected"},
		{"oversized", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 100000 100000 100000\nencoding: raw\n\n", []byte("abcd"), "too large"},
		{"overflow", "NRRD0004\ntype: uint8\ndimension: 3\nsizes: 9223372036854775807 2 2\n\n", nil, "too large"},
		{"exceeds input", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 1000 1000 100\n\n", []byte("abcd"), "400 MB expected, 4 B available"},
		{"gzip short", "NRRD0004\ntype: uint32\ndimension: 3\nsizes: 1000 1000 100\nencoding: gzip\n\n", nil, "error opening gzip stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.header + string(tt.data))
			_, _, err := Read(r)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, _, err := Read(strings.NewReader("NRRD0004\ntype: uint32\ndimension: 4\nsizes: 1 1 1 1\n\n"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, _, err = Read(strings.NewReader("NRRD0004\ntype: uint16\ndimension: 3\nsizes: 65536 65536 2\n\n"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestReadFileTruncated(t *testing.T) {
	logging.Capture(t)
	path := filepath.Join(t.TempDir(), "vol.nrrd")
	require.NoError(t, WriteFile(path, sampleVolume(), WriteOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0644))

	_, err = ReadFile(path)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorContains(t, err, "96 B expected, 91 B available")
}

func TestReadHeaderPositionsAtData(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("NRRD0005\ntype: uint8\ndimension: 3\nsizes: 1 1 1\n\n\x2a"))
	h, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, "raw", h.Encoding)
	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(42), b)
}
