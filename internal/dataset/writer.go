package dataset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"

	"climdex/internal/labeled"
)

// Writer writes labeled arrays to a local Zarr v2 store as zstd compressed
// little-endian float64 chunks. It produces fixtures and saved percentile
// fields that Dataset reads back.
type Writer struct {
	root    string
	encoder *zstd.Encoder
	written map[string]bool
}

// NewWriter creates the store directory and its group marker.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	w := &Writer{root: dir, encoder: enc, written: map[string]bool{}}
	if err := w.writeJSON(zgroupKey, map[string]int{"zarr_format": 2}); err != nil {
		return nil, err
	}
	return w, nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

// WriteVariable writes arr under name together with its coordinates. chunks
// gives the chunk length per dimension; nil writes a single chunk.
func (w *Writer) WriteVariable(name string, arr *labeled.Array, chunks []int) error {
	for _, dim := range arr.Dims {
		coord, ok := arr.Coords[dim]
		if !ok || dim == name || w.written[dim] {
			continue
		}
		if err := w.writeCoord(dim, coord); err != nil {
			return err
		}
	}
	attrs := make(map[string]any, len(arr.Attrs))
	for k, v := range arr.Attrs {
		attrs[k] = v
	}
	return w.writeArray(name, arr.Dims, arr.Shape, arr.Data, chunks, attrs)
}

func (w *Writer) writeCoord(dim string, coord labeled.Coord) error {
	if len(coord.Times) > 0 {
		epoch := coord.Times[0].UTC().Truncate(24 * time.Hour)
		values, units := EncodeTimes(coord.Times, epoch)
		return w.writeArray(dim, []string{dim}, []int{len(values)}, values, nil,
			map[string]any{labeled.AttrUnits: units, "calendar": "proleptic_gregorian"})
	}
	return w.writeArray(dim, []string{dim}, []int{len(coord.Values)}, coord.Values, nil, map[string]any{})
}

func (w *Writer) writeArray(name string, dims []string, shape []int, data []float64, chunks []int, attrs map[string]any) error {
	if chunks == nil {
		chunks = shape
	}
	chunks = slices.Clone(chunks)
	for i := range chunks {
		if chunks[i] <= 0 {
			chunks[i] = 1
		}
	}
	meta := ArrayMeta{
		Chunks:     chunks,
		Shape:      slices.Clone(shape),
		DType:      "<f8",
		Compressor: map[string]any{"id": "zstd", "level": 3},
		FillValue:  "NaN",
		Order:      "C",
		ZarrFormat: 2,
	}
	if err := w.writeJSON(name+"/"+zarrayKey, meta); err != nil {
		return err
	}
	attrs[attrDimensions] = dims
	if err := w.writeJSON(name+"/"+zattrsKey, attrs); err != nil {
		return err
	}

	grid := make([]int, len(shape))
	total := 1
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
		total *= grid[i]
	}
	cells := 1
	for _, c := range chunks {
		cells *= c
	}
	for flat := 0; flat < total; flat++ {
		idx := unravel(flat, grid)
		buf := make([]float64, cells)
		for i := range buf {
			buf[i] = math.NaN()
		}
		forEachChunkCell(&meta, idx, func(local, global int) {
			buf[local] = data[global]
		})
		raw := make([]byte, 8*cells)
		for i, v := range buf {
			binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
		}
		if err := w.writeFile(name+"/"+chunkKey(idx, ""), w.encoder.EncodeAll(raw, nil)); err != nil {
			return err
		}
	}
	w.written[name] = true
	return nil
}

func (w *Writer) writeJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return w.writeFile(key, raw)
}

func (w *Writer) writeFile(key string, data []byte) error {
	path := filepath.Join(w.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
