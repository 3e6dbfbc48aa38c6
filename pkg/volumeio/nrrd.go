// Package volumeio reads and writes label volumes as NRRD files.
//
// Only what annotation volumes need is supported: 3D integer data with an
// attached header, raw or gzip encoding, either byte order. Volumes are
// always written as little-endian uint32.
package volumeio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"atlasmerge/internal/models"
	"atlasmerge/pkg/logging"
)

// ErrUnsupported is returned for valid NRRD files using features this
// package does not handle.
var ErrUnsupported = errors.New("unsupported NRRD feature")

// ErrTooLarge is returned when the header declares more voxels than
// MaxVoxels or more data than the input holds.
var ErrTooLarge = errors.New("NRRD volume too large")

// MaxVoxels bounds the grid a header may declare. The 10um CCF grid holds
// about 1.2e9 voxels.
const MaxVoxels = 1 << 31

// chunkSamples is the number of samples decoded per read.
const chunkSamples = 1 << 20

// Header holds the NRRD fields relevant to label volumes.
type Header struct {
	Type      string
	Sizes     [3]int
	Encoding  string
	BigEndian bool
	Spacings  [3]float64
	// Fields keeps every field verbatim, keyed by lower-case name.
	Fields map[string]string
}

type sampleType struct {
	size   int
	decode func(b []byte, order binary.ByteOrder) (uint32, error)
}

var sampleTypes = map[string]sampleType{
	"uint8": {1, func(b []byte, _ binary.ByteOrder) (uint32, error) {
		return uint32(b[0]), nil
	}},
	"uint16": {2, func(b []byte, o binary.ByteOrder) (uint32, error) {
		return uint32(o.Uint16(b)), nil
	}},
	"uint32": {4, func(b []byte, o binary.ByteOrder) (uint32, error) {
		return o.Uint32(b), nil
	}},
	"int32": {4, func(b []byte, o binary.ByteOrder) (uint32, error) {
		v := int32(o.Uint32(b))
		if v < 0 {
			return 0, fmt.Errorf("negative label %d", v)
		}
		return uint32(v), nil
	}},
	"uint64": {8, func(b []byte, o binary.ByteOrder) (uint32, error) {
		v := o.Uint64(b)
		if v > math.MaxUint32 {
			return 0, fmt.Errorf("label %d exceeds uint32", v)
		}
		return uint32(v), nil
	}},
}

// canonicalType maps the NRRD type aliases to the names of sampleTypes.
func canonicalType(t string) string {
	switch t {
	case "uchar", "unsigned char", "uint8_t":
		return "uint8"
	case "ushort", "unsigned short", "unsigned short int", "uint16_t":
		return "uint16"
	case "uint", "unsigned int", "uint32_t":
		return "uint32"
	case "int", "signed int", "int32_t":
		return "int32"
	case "ulonglong", "unsigned long long", "unsigned long long int", "uint64_t":
		return "uint64"
	}
	return t
}

// ReadHeader parses the header and leaves r positioned at the first data
// byte.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	magic, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("error reading NRRD magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("not a NRRD file (magic %q)", strings.TrimSpace(magic))
	}

	h := &Header{Encoding: "raw", Fields: make(map[string]string)}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading NRRD header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// key:=value lines are key/value pairs, not fields
		if strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed NRRD header line %q", line)
		}
		h.Fields[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	if err := h.parseFields(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) parseFields() error {
	if _, ok := h.Fields["data file"]; ok {
		return fmt.Errorf("%w: detached data files", ErrUnsupported)
	}
	if d := h.Fields["dimension"]; d != "3" {
		return fmt.Errorf("%w: dimension %q", ErrUnsupported, d)
	}

	h.Type = canonicalType(h.Fields["type"])
	if _, ok := sampleTypes[h.Type]; !ok {
		return fmt.Errorf("%w: type %q", ErrUnsupported, h.Fields["type"])
	}

	sizes := strings.Fields(h.Fields["sizes"])
	if len(sizes) != 3 {
		return fmt.Errorf("invalid NRRD sizes %q", h.Fields["sizes"])
	}
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid NRRD size %q", s)
		}
		h.Sizes[i] = n
	}
	total := 1
	for _, n := range h.Sizes {
		if n > MaxVoxels/total {
			return fmt.Errorf("%w: sizes %d %d %d exceed %s voxels", ErrTooLarge,
				h.Sizes[0], h.Sizes[1], h.Sizes[2], humanize.Comma(MaxVoxels))
		}
		total *= n
	}

	if enc, ok := h.Fields["encoding"]; ok {
		h.Encoding = enc
	}
	switch h.Encoding {
	case "raw":
	case "gzip", "gz":
		h.Encoding = "gzip"
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupported, h.Encoding)
	}

	switch h.Fields["endian"] {
	case "", "little":
	case "big":
		h.BigEndian = true
	default:
		return fmt.Errorf("invalid NRRD endian %q", h.Fields["endian"])
	}

	h.Spacings = [3]float64{1, 1, 1}
	if sp, ok := h.Fields["spacings"]; ok {
		parts := strings.Fields(sp)
		for i := 0; i < len(parts) && i < 3; i++ {
			if v, err := strconv.ParseFloat(parts[i], 64); err == nil {
				h.Spacings[i] = v
			}
		}
	} else if sd, ok := h.Fields["space directions"]; ok {
		h.Spacings = spacingsFromDirections(sd)
	}
	return nil
}

// Voxels is the number of samples declared by the header.
func (h *Header) Voxels() int {
	return h.Sizes[0] * h.Sizes[1] * h.Sizes[2]
}

// DataSize is the number of decoded data bytes the header declares.
func (h *Header) DataSize() int64 {
	return int64(h.Voxels()) * int64(sampleTypes[h.Type].size)
}

// countingReader counts the bytes read from the underlying reader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// inputSize returns the number of bytes left in r, or -1 when unknown.
func inputSize(r io.Reader) int64 {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len())
	case *os.File:
		info, err := v.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return -1
		}
		pos, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		return info.Size() - pos
	}
	return -1
}

// spacingsFromDirections takes the norm of each "(a,b,c)" vector.
func spacingsFromDirections(s string) [3]float64 {
	out := [3]float64{1, 1, 1}
	for i, vec := range strings.Fields(s) {
		if i >= 3 {
			break
		}
		vec = strings.Trim(vec, "()")
		var sum float64
		for _, c := range strings.Split(vec, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
			if err != nil {
				sum = 1
				break
			}
			sum += v * v
		}
		out[i] = math.Sqrt(sum)
	}
	return out
}

// Read decodes a NRRD stream into a label volume. For raw data read from a
// file or an in-memory reader, the declared data size is checked against
// the input before the volume is allocated.
func Read(r io.Reader) (*models.LabelVolume, *Header, error) {
	size := inputSize(r)
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, nil, err
	}

	expected := h.DataSize()
	if h.Encoding == "raw" && size >= 0 {
		if avail := size - (cr.n - int64(br.Buffered())); expected > avail {
			return nil, nil, fmt.Errorf("error reading NRRD data (%s expected, %s available): %w",
				humanize.Bytes(uint64(expected)), humanize.Bytes(uint64(max(avail, 0))), io.ErrUnexpectedEOF)
		}
	}

	var data io.Reader = br
	if h.Encoding == "gzip" {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer zr.Close()
		data = zr
	}

	st := sampleTypes[h.Type]
	vol := models.NewLabelVolume(h.Sizes[0], h.Sizes[1], h.Sizes[2])
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = h.Spacings[0], h.Spacings[1], h.Spacings[2]

	var order binary.ByteOrder = binary.LittleEndian
	if h.BigEndian {
		order = binary.BigEndian
	}
	raw := make([]byte, min(len(vol.Data), chunkSamples)*st.size)
	for start := 0; start < len(vol.Data); start += chunkSamples {
		n := min(len(vol.Data)-start, chunkSamples)
		buf := raw[:n*st.size]
		if _, err := io.ReadFull(data, buf); err != nil {
			return nil, nil, fmt.Errorf("error reading NRRD data (%s expected): %w",
				humanize.Bytes(uint64(expected)), err)
		}
		for i := 0; i < n; i++ {
			v, err := st.decode(buf[i*st.size:(i+1)*st.size], order)
			if err != nil {
				x, y, z := vol.Coords(start + i)
				return nil, nil, fmt.Errorf("voxel (%d, %d, %d): %w", x, y, z, err)
			}
			vol.Data[start+i] = v
		}
	}
	return vol, h, nil
}

// ReadFile reads a NRRD file.
func ReadFile(path string) (*models.LabelVolume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	vol, h, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	logging.Info().
		Str("path", path).
		Str("type", h.Type).
		Str("encoding", h.Encoding).
		Ints("sizes", h.Sizes[:]).
		Msgf("Loaded volume with %s voxels", humanize.Comma(int64(vol.Len())))
	return vol, nil
}

// WriteOptions controls the output encoding.
type WriteOptions struct {
	Compress bool
	// Level is the gzip level; zero selects the default.
	Level int
}

// Write encodes vol as little-endian uint32 NRRD.
func Write(w io.Writer, vol *models.LabelVolume, opts WriteOptions) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	encoding := "raw"
	if opts.Compress {
		encoding = "gzip"
	}
	var hdr bytes.Buffer
	fmt.Fprintln(&hdr, "NRRD0004")
	fmt.Fprintln(&hdr, "# Complete NRRD file format specification at:")
	fmt.Fprintln(&hdr, "# http://teem.sourceforge.net/nrrd/format.html")
	fmt.Fprintln(&hdr, "type: uint32")
	fmt.Fprintln(&hdr, "dimension: 3")
	fmt.Fprintf(&hdr, "sizes: %d %d %d\n", vol.Width, vol.Height, vol.Depth)
	if vs := vol.VoxelSize; vs.X > 0 && vs.Y > 0 && vs.Z > 0 {
		fmt.Fprintf(&hdr, "spacings: %s %s %s\n",
			strconv.FormatFloat(vs.X, 'g', -1, 64),
			strconv.FormatFloat(vs.Y, 'g', -1, 64),
			strconv.FormatFloat(vs.Z, 'g', -1, 64))
	}
	fmt.Fprintf(&hdr, "encoding: %s\n", encoding)
	fmt.Fprintln(&hdr, "endian: little")
	fmt.Fprintln(&hdr)
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("error writing NRRD header: %w", err)
	}

	var out io.Writer = w
	var zw *gzip.Writer
	if opts.Compress {
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var err error
		zw, err = gzip.NewWriterLevel(w, level)
		if err != nil {
			return fmt.Errorf("error creating gzip writer: %w", err)
		}
		out = zw
	}

	bw := bufio.NewWriterSize(out, 1<<20)
	buf := make([]byte, 0, 4096)
	for i, v := range vol.Data {
		buf = binary.LittleEndian.AppendUint32(buf, v)
		if len(buf) == cap(buf) || i == len(vol.Data)-1 {
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("error writing NRRD data: %w", err)
			}
			buf = buf[:0]
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error writing NRRD data: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("error finishing gzip stream: %w", err)
		}
	}
	return nil
}

// WriteFile writes vol to path, replacing any existing file.
func WriteFile(path string, vol *models.LabelVolume, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file: %w", err)
	}
	if err := Write(f, vol, opts); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	logging.Info().
		Str("path", path).
		Bool("compressed", opts.Compress).
		Msgf("Saved volume with %s voxels", humanize.Comma(int64(vol.Len())))
	return nil
}
