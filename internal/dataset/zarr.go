// Package dataset reads climate variables from Zarr v2 stores. Arrays are
// decoded into labeled arrays: dimension names come from the xarray
// _ARRAY_DIMENSIONS attribute, coordinates from same-named variables, and CF
// time coordinates are decoded into timestamps.
package dataset

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"climdex/internal/labeled"
	"climdex/internal/types"
)

const (
	zarrayKey = ".zarray"
	zattrsKey = ".zattrs"
	zgroupKey = ".zgroup"

	// attrDimensions is the xarray convention naming the dimensions of an
	// array in its .zattrs.
	attrDimensions = "_ARRAY_DIMENSIONS"

	// DefaultConcurrency bounds parallel chunk fetches per variable.
	DefaultConcurrency = 8
)

// ArrayMeta holds the .zarray fields the reader needs.
type ArrayMeta struct {
	Chunks             []int  `json:"chunks"`
	Shape              []int  `json:"shape"`
	DType              string `json:"dtype"`
	Compressor         any    `json:"compressor"`
	FillValue          any    `json:"fill_value"`
	Order              string `json:"order"`
	Filters            any    `json:"filters"`
	ZarrFormat         int    `json:"zarr_format"`
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

func (m *ArrayMeta) compressorID() string {
	c, ok := m.Compressor.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := c["id"].(string)
	return id
}

func (m *ArrayMeta) itemSize() int {
	if len(m.DType) < 3 {
		return 0
	}
	n, _ := strconv.Atoi(m.DType[2:])
	return n
}

func (m *ArrayMeta) validate(name string) error {
	corrupt := func(reason string) error {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("variable %s: %s", name, reason), nil,
			map[string]any{"variable": name})
	}
	if m.ZarrFormat != 2 {
		return corrupt(fmt.Sprintf("unsupported zarr_format %d", m.ZarrFormat))
	}
	if len(m.Shape) != len(m.Chunks) {
		return corrupt(fmt.Sprintf("shape %v does not match chunks %v", m.Shape, m.Chunks))
	}
	for _, c := range m.Chunks {
		if c <= 0 {
			return corrupt(fmt.Sprintf("invalid chunk size in %v", m.Chunks))
		}
	}
	if m.Order != "" && m.Order != "C" {
		return corrupt("only C order arrays are supported")
	}
	if m.Filters != nil {
		return corrupt("filters are not supported")
	}
	switch m.DType {
	case "<f4", "<f8", "<i2", "<i4", "<i8":
	default:
		return corrupt(fmt.Sprintf("unsupported dtype %q", m.DType))
	}
	switch id := m.compressorID(); {
	case m.Compressor == nil, id == "zstd":
	default:
		return corrupt(fmt.Sprintf("unsupported compressor %q", id))
	}
	return nil
}

// Dataset is an opened Zarr group.
type Dataset struct {
	store       Store
	name        string
	logger      *slog.Logger
	concurrency int

	decoderPool sync.Pool
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithLogger sets the logger used for read diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dataset) { d.logger = l }
}

// WithConcurrency bounds parallel chunk fetches.
func WithConcurrency(n int) Option {
	return func(d *Dataset) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// Open opens the Zarr group at the root of store. The group marker is
// required so that typos in a path fail here rather than on first read.
func Open(ctx context.Context, store Store, name string, opts ...Option) (*Dataset, error) {
	d := &Dataset{
		store:       store,
		name:        name,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		decoderPool: sync.Pool{
			New: func() any {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return dec
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}

	body, err := store.Get(ctx, zgroupKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundDataset,
				fmt.Sprintf("no zarr group at %s", name), err,
				map[string]any{"dataset": name})
		}
		return nil, upstream(name, zgroupKey, err)
	}
	body.Close()
	return d, nil
}

// Name returns the reference the dataset was opened from.
func (d *Dataset) Name() string { return d.name }

// Variable reads a whole variable with its coordinates and attributes.
func (d *Dataset) Variable(ctx context.Context, name string) (*labeled.Array, error) {
	arr, dims, err := d.readArray(ctx, name)
	if err != nil {
		return nil, err
	}

	for _, dim := range dims {
		if dim == name {
			continue
		}
		coord, err := d.coordinate(ctx, dim)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading coordinate %s of %s: %w", dim, name, err)
		}
		arr.Coords[dim] = coord
	}
	if arr.HasDim(name) {
		coord, err := coordFromArray(arr)
		if err != nil {
			return nil, err
		}
		arr.Coords[name] = coord
	}
	return arr, nil
}

// HasVariable reports whether the dataset contains name.
func (d *Dataset) HasVariable(ctx context.Context, name string) (bool, error) {
	body, err := d.store.Get(ctx, name+"/"+zarrayKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, upstream(d.name, name, err)
	}
	body.Close()
	return true, nil
}

func (d *Dataset) coordinate(ctx context.Context, dim string) (labeled.Coord, error) {
	arr, dims, err := d.readArray(ctx, dim)
	if err != nil {
		return labeled.Coord{}, err
	}
	if len(dims) != 1 || dims[0] != dim {
		return labeled.Coord{}, types.NewAppErrorWithDetails(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("coordinate %s is not one-dimensional along itself", dim), nil,
			map[string]any{"dims": dims})
	}
	return coordFromArray(arr)
}

func coordFromArray(arr *labeled.Array) (labeled.Coord, error) {
	if units, ok := arr.AttrString(labeled.AttrUnits); ok && isTimeUnits(units) {
		calendar, _ := arr.AttrString("calendar")
		times, err := decodeTimes(arr.Data, units, calendar)
		if err != nil {
			return labeled.Coord{}, err
		}
		return labeled.Coord{Times: times}, nil
	}
	return labeled.Coord{Values: append(labeled.Floats(nil), arr.Data...)}, nil
}

func (d *Dataset) readArray(ctx context.Context, name string) (*labeled.Array, []string, error) {
	meta, err := d.loadArrayMeta(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := d.loadAttrs(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	dims := dimensionNames(attrs[attrDimensions], len(meta.Shape))
	delete(attrs, attrDimensions)

	data, err := d.readData(ctx, name, meta)
	if err != nil {
		return nil, nil, err
	}

	arr, err := labeled.New(dims, meta.Shape, data)
	if err != nil {
		return nil, nil, err
	}
	arr.Name = name
	for k, v := range attrs {
		arr.Attrs[k] = normalizeAttr(v)
	}
	return arr, dims, nil
}

func (d *Dataset) loadArrayMeta(ctx context.Context, name string) (*ArrayMeta, error) {
	raw, err := d.readKey(ctx, name+"/"+zarrayKey)
	if errors.Is(err, ErrNotFound) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundVariable,
			fmt.Sprintf("variable %s not found in %s", name, d.name), err,
			map[string]any{"dataset": d.name, "variable": name})
	}
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("failed to parse %s/.zarray: %v", name, err), err)
	}
	if err := meta.validate(name); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (d *Dataset) loadAttrs(ctx context.Context, name string) (map[string]any, error) {
	raw, err := d.readKey(ctx, name+"/"+zattrsKey)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("failed to parse %s/.zattrs: %v", name, err), err)
	}
	return attrs, nil
}

func (d *Dataset) readKey(ctx context.Context, key string) ([]byte, error) {
	body, err := d.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, upstream(d.name, key, err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, upstream(d.name, key, err)
	}
	return raw, nil
}

// readData fetches every chunk of the array in parallel and assembles them in
// C order. Missing chunks hold the fill value.
func (d *Dataset) readData(ctx context.Context, name string, meta *ArrayMeta) ([]float64, error) {
	size := 1
	for _, n := range meta.Shape {
		size *= n
	}
	out := make([]float64, size)
	fill := fillValue(meta.FillValue)

	grid := make([]int, len(meta.Shape))
	total := 1
	for i := range meta.Shape {
		grid[i] = (meta.Shape[i] + meta.Chunks[i] - 1) / meta.Chunks[i]
		total *= grid[i]
	}
	if size == 0 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for flat := 0; flat < total; flat++ {
		idx := unravel(flat, grid)
		g.Go(func() error {
			values, err := d.fetchChunk(ctx, name, meta, idx)
			if err != nil {
				return err
			}
			if values == nil {
				scatterFill(out, meta, idx, fill)
				return nil
			}
			scatter(out, meta, idx, values)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(meta.DType, "<f") && !math.IsNaN(fill) {
		for i, v := range out {
			if v == fill {
				out[i] = math.NaN()
			}
		}
	}
	d.logger.Debug("variable read", "dataset", d.name, "variable", name, "chunks", total, "values", size)
	return out, nil
}

// fetchChunk returns nil values when the chunk was never written.
func (d *Dataset) fetchChunk(ctx context.Context, name string, meta *ArrayMeta, idx []int) ([]float64, error) {
	key := name + "/" + chunkKey(idx, meta.DimensionSeparator)
	raw, err := d.readKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if meta.compressorID() == "zstd" {
		raw, err = d.decompressZstd(raw)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDatasetCorruption,
				fmt.Sprintf("failed to decompress chunk %s: %v", key, err), err)
		}
	}

	want := 1
	for _, c := range meta.Chunks {
		want *= c
	}
	values, err := decodeValues(raw, meta.DType, meta.itemSize())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("failed to parse chunk %s: %v", key, err), err)
	}
	if len(values) != want {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalDatasetCorruption,
			fmt.Sprintf("chunk %s holds %d values, want %d", key, len(values), want), nil,
			map[string]any{"chunk": key})
	}
	return values, nil
}

func (d *Dataset) decompressZstd(data []byte) ([]byte, error) {
	decoder := d.decoderPool.Get().(*zstd.Decoder)
	defer d.decoderPool.Put(decoder)
	return decoder.DecodeAll(data, nil)
}

func decodeValues(data []byte, dtype string, itemSize int) ([]float64, error) {
	if itemSize == 0 || len(data)%itemSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d bytes", len(data), itemSize)
	}
	n := len(data) / itemSize
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := data[i*itemSize : (i+1)*itemSize]
		switch dtype {
		case "<f4":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "<f8":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case "<i2":
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case "<i4":
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "<i8":
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		}
	}
	return out, nil
}

// scatter copies a decoded chunk into out, clipping edge chunks to the
// array shape.
func scatter(out []float64, meta *ArrayMeta, chunkIdx []int, values []float64) {
	forEachChunkCell(meta, chunkIdx, func(local, global int) {
		out[global] = values[local]
	})
}

func scatterFill(out []float64, meta *ArrayMeta, chunkIdx []int, fill float64) {
	forEachChunkCell(meta, chunkIdx, func(_, global int) {
		out[global] = fill
	})
}

func forEachChunkCell(meta *ArrayMeta, chunkIdx []int, fn func(local, global int)) {
	n := len(meta.Shape)
	if n == 0 {
		fn(0, 0)
		return
	}
	strides := make([]int, n)
	strides[n-1] = 1
	for i := n - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * meta.Shape[i+1]
	}
	cells := 1
	for _, c := range meta.Chunks {
		cells *= c
	}
	for local := 0; local < cells; local++ {
		pos := unravel(local, meta.Chunks)
		global := 0
		inside := true
		for i := range pos {
			g := chunkIdx[i]*meta.Chunks[i] + pos[i]
			if g >= meta.Shape[i] {
				inside = false
				break
			}
			global += g * strides[i]
		}
		if inside {
			fn(local, global)
		}
	}
}

func unravel(flat int, shape []int) []int {
	idx := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		idx[i] = flat % shape[i]
		flat /= shape[i]
	}
	return idx
}

func chunkKey(idx []int, sep string) string {
	if len(idx) == 0 {
		return "0"
	}
	if sep == "" {
		sep = "."
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

func fillValue(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case string:
		switch f {
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
	}
	return math.NaN()
}

func dimensionNames(v any, rank int) []string {
	dims := make([]string, rank)
	if list, ok := v.([]any); ok && len(list) == rank {
		for i, d := range list {
			dims[i], _ = d.(string)
		}
	}
	for i := range dims {
		if dims[i] == "" {
			dims[i] = "dim_" + strconv.Itoa(i)
		}
	}
	return dims
}

// normalizeAttr turns JSON string lists into []string so attributes such as
// climatology_bounds compare naturally.
func normalizeAttr(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	strs := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return v
		}
		strs = append(strs, s)
	}
	return strs
}

func upstream(dataset, key string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamDataset,
		fmt.Sprintf("failed to read %s from %s", key, dataset), err,
		map[string]any{"dataset": dataset, "key": key})
}
