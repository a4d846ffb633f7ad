// Command prepare converts self-play step shards into training shards: it
// rebuilds each episode's frame sequence, cuts it into stacked windows, runs
// the observation split, and writes one row per training position.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/zeropipe/zeropipe/config"
	"github.com/zeropipe/zeropipe/logging"
	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/prep"
	"github.com/zeropipe/zeropipe/store"
)

// TrainingRow is one prepared position. X is the current observation the
// initial model consumes; XTarget is the consistency target window, empty
// when the consistency loss is disabled.
type TrainingRow struct {
	EpisodeID string `parquet:"episode_id,dict"`
	Turn      int32  `parquet:"turn"`

	X       []byte `parquet:"x"`
	XTarget []byte `parquet:"x_target"`
	XDim    int32  `parquet:"x_dim"`

	Actions     []int32   `parquet:"actions"`
	PolicyProbs []float32 `parquet:"policy_probs"`
	SearchValue float32   `parquet:"search_value"`
	ValuePrefix float32   `parquet:"value_prefix"`
	Reward      float32   `parquet:"reward"`
}

func main() {
	configPath := flag.String("config", "pipeline.yaml", "Pipeline configuration file")
	inDir := flag.String("in-dir", "", "Directory containing step parquet shards")
	outDir := flag.String("out-dir", "", "Output directory for training parquet shards")
	batchSize := flag.Int("batch-size", 256, "Positions per observation-split batch")
	unroll := flag.Int("unroll", 5, "Unroll timesteps appended to each window")
	flag.Parse()

	logger := slog.New(logging.NewHandler(os.Stderr, logging.Options{}))

	if *inDir == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "-in-dir and -out-dir are required")
		os.Exit(2)
	}
	absIn, _ := filepath.Abs(*inDir)
	absOut, _ := filepath.Abs(*outDir)
	if absIn == absOut {
		fmt.Fprintln(os.Stderr, "out-dir must be different from in-dir")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	obsCfg, err := cfg.ObsConfig()
	if err != nil {
		logger.Error("observation config", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(absOut, 0o755); err != nil {
		logger.Error("create out-dir", "err", err)
		os.Exit(1)
	}

	inputs := make([]string, 0, 256)
	_ = filepath.WalkDir(absIn, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".parquet") {
			inputs = append(inputs, path)
		}
		return nil
	})
	if len(inputs) == 0 {
		logger.Error("no parquet inputs found", "dir", absIn)
		os.Exit(1)
	}

	converted := 0
	for _, inPath := range inputs {
		base := filepath.Base(inPath)
		outPath := filepath.Join(absOut, strings.TrimSuffix(base, filepath.Ext(base))+".train.parquet")
		n, err := convertShard(inPath, outPath, obsCfg, *batchSize, *unroll)
		if err != nil {
			logger.Error("convert shard", "in", inPath, "err", err)
			continue
		}
		logger.Info("shard converted", "in", base, "rows", n)
		if n > 0 {
			converted++
		}
	}
	if converted == 0 {
		logger.Error("no output written")
		os.Exit(1)
	}
}

func convertShard(inPath, outPath string, obsCfg policy.ObsConfig, batchSize, unroll int) (int, error) {
	rows, err := store.ReadSteps(inPath)
	if err != nil {
		return 0, fmt.Errorf("read steps: %w", err)
	}

	out := make([]TrainingRow, 0, len(rows))
	for _, episode := range prep.GroupByEpisode(rows) {
		samples, err := prep.EpisodeSamples(episode, obsCfg, unroll)
		if err != nil {
			return 0, fmt.Errorf("episode %s: %w", episode[0].EpisodeID, err)
		}
		batches, err := prep.BuildBatches(samples, obsCfg, batchSize)
		if err != nil {
			return 0, fmt.Errorf("episode %s: %w", episode[0].EpisodeID, err)
		}

		for _, batch := range batches {
			for i, sample := range batch.Samples {
				current, err := batch.Current.Row(i)
				if err != nil {
					return 0, err
				}
				xBlob, _ := store.EncodeObs(current)

				var targetBlob []byte
				if batch.Target != nil {
					target, err := batch.Target.Row(i)
					if err != nil {
						return 0, err
					}
					targetBlob, _ = store.EncodeObs(target)
				}

				out = append(out, TrainingRow{
					EpisodeID:   sample.EpisodeID,
					Turn:        sample.Turn,
					X:           xBlob,
					XTarget:     targetBlob,
					XDim:        int32(obsCfg.ObsDim),
					Actions:     sample.Actions,
					PolicyProbs: sample.PolicyProbs,
					SearchValue: sample.SearchValue,
					ValuePrefix: sample.ValuePrefix,
					Reward:      sample.Reward,
				})
			}
		}
	}

	if len(out) == 0 {
		return 0, nil
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)
	if err := parquet.WriteFile(tmpPath, out,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("x"),
		parquet.SkipPageBounds("x_target"),
		parquet.KeyValueMetadata("schema", "training_row_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("write parquet: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return len(out), nil
}
