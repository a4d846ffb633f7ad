// Package store persists self-play steps as Parquet shards. Writers go
// through a temp file and an atomic rename so trainers tailing the output
// directory never observe half-written files.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/zeropipe/zeropipe/tensor"
)

// StepRow is one self-play step: the stacked observation the search saw, the
// normalized visit-count distribution it produced, and the diagnostics the
// trainer wants alongside.
type StepRow struct {
	EpisodeID string `parquet:"episode_id,dict"`
	Turn      int32  `parquet:"turn"`

	// Obs is the stacked observation, float32 little-endian; ObsShape
	// reconstructs the array.
	Obs      []byte  `parquet:"obs"`
	ObsShape []int32 `parquet:"obs_shape"`

	Action      int32     `parquet:"action"`
	PolicyProbs []float32 `parquet:"policy_probs"`
	SearchValue float32   `parquet:"search_value"`
	ValuePrefix float32   `parquet:"value_prefix"`
	Entropy     float32   `parquet:"entropy"`
	Temperature float32   `parquet:"temperature"`
	Reward      float32   `parquet:"reward"`
	Done        bool      `parquet:"done"`
}

// EpisodeRow is the per-episode summary written alongside the step shards.
type EpisodeRow struct {
	EpisodeID   string  `parquet:"episode_id,dict"`
	Steps       int32   `parquet:"steps"`
	Return      float64 `parquet:"return"`
	MeanEntropy float64 `parquet:"mean_entropy"`
	FinishedAt  int64   `parquet:"finished_at"`
}

// EncodeObs flattens a host array into the StepRow blob format.
func EncodeObs(d *tensor.Dense) ([]byte, []int32) {
	buf := make([]byte, 4*len(d.Data))
	for i, v := range d.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	shape := make([]int32, len(d.Shape))
	for i, s := range d.Shape {
		shape[i] = int32(s)
	}
	return buf, shape
}

// DecodeObs is the inverse of EncodeObs.
func DecodeObs(blob []byte, shape []int32) (*tensor.Dense, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("obs blob length %d not a multiple of 4", len(blob))
	}
	data := make([]float32, len(blob)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	dims := make([]int, len(shape))
	for i, s := range shape {
		dims[i] = int(s)
	}
	return tensor.New(dims, data)
}

// WriteStepsParquet writes rows to outPath via a temp file and atomic rename.
func WriteStepsParquet(outPath string, rows []StepRow) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)

	// Skip page bounds for the raw obs blobs; they only bloat the footer.
	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("obs"),
		parquet.KeyValueMetadata("schema", "step_row_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename parquet: %w", err)
	}
	return nil
}

// WriteBatchAtomic writes a timestamped shard into outDir, staging under
// outDir/tmp first. Returns the final shard path.
func WriteBatchAtomic(outDir string, rows []StepRow) (string, error) {
	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("steps_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("obs"),
		parquet.KeyValueMetadata("schema", "step_row_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}

// WriteEpisodesParquet writes episode summaries via a temp file and atomic
// rename.
func WriteEpisodesParquet(outPath string, rows []EpisodeRow) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "episode_row_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename parquet: %w", err)
	}
	return nil
}

// ReadEpisodes loads every episode summary of one shard.
func ReadEpisodes(path string) (rows []EpisodeRow, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// NewGenericReader panics on a mangled footer; surface it as an error.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("read parquet %s: %v", path, r)
		}
	}()

	reader := parquet.NewGenericReader[EpisodeRow](f)
	defer reader.Close()

	out := make([]EpisodeRow, 0, 256)
	buf := make([]EpisodeRow, 256)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return out, nil
}

// ReadSteps loads every row of one shard.
func ReadSteps(path string) (rows []StepRow, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("read parquet %s: %v", path, r)
		}
	}()

	reader := parquet.NewGenericReader[StepRow](f)
	defer reader.Close()

	out := make([]StepRow, 0, 1024)
	buf := make([]StepRow, 256)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return out, nil
}
