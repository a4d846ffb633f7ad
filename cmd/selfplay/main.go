// Command selfplay generates training data: a pool of workers plays episodes
// with MCTS over the exported ONNX model pair, steps are flushed to Parquet
// shards, and progress is shown in a TUI and streamed over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	stdrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/exp/rand"

	"github.com/zeropipe/zeropipe/config"
	"github.com/zeropipe/zeropipe/env"
	"github.com/zeropipe/zeropipe/inference"
	"github.com/zeropipe/zeropipe/logging"
	"github.com/zeropipe/zeropipe/mcts"
	"github.com/zeropipe/zeropipe/monitor"
	"github.com/zeropipe/zeropipe/selfplay"
	"github.com/zeropipe/zeropipe/store"
)

var (
	totalSteps    atomic.Int64
	totalEpisodes atomic.Int64
	totalShards   atomic.Int64
)

// aggregate accumulates per-episode results for the stats broadcast and the
// episode summary shard.
type aggregate struct {
	mu         sync.Mutex
	sumReturn  float64
	sumEntropy float64
	episodes   []store.EpisodeRow
}

func (a *aggregate) add(r selfplay.EpisodeResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sumReturn += r.Return
	a.sumEntropy += r.MeanEntropy
	a.episodes = append(a.episodes, store.EpisodeRow{
		EpisodeID:   r.EpisodeID,
		Steps:       int32(r.Steps),
		Return:      r.Return,
		MeanEntropy: r.MeanEntropy,
		FinishedAt:  time.Now().Unix(),
	})
}

func (a *aggregate) means() (meanReturn, meanEntropy float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.episodes) == 0 {
		return 0, 0
	}
	n := float64(len(a.episodes))
	return a.sumReturn / n, a.sumEntropy / n
}

func (a *aggregate) drain() []store.EpisodeRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.episodes
	a.episodes = nil
	return out
}

type episodeUpdate struct {
	workerID int
	result   selfplay.EpisodeResult
}

type shardRequest struct {
	rows []store.StepRow
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type dashboard struct {
	episodes    int
	steps       int64
	shards      int64
	sumReturn   float64
	sumEntropy  float64
	startTime   time.Time
	recent      []string
	updates     chan episodeUpdate
	cancel      context.CancelFunc
	subscribers func() int
}

func newDashboard(updates chan episodeUpdate, cancel context.CancelFunc, subscribers func() int) dashboard {
	return dashboard{
		startTime:   time.Now(),
		updates:     updates,
		cancel:      cancel,
		subscribers: subscribers,
	}
}

func waitForUpdate(updates chan episodeUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (d dashboard) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(d.updates), tickCmd())
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			d.cancel()
			return d, tea.Quit
		}
	case tickMsg:
		d.steps = totalSteps.Load()
		d.shards = totalShards.Load()
		return d, tickCmd()
	case episodeUpdate:
		d.episodes++
		d.sumReturn += msg.result.Return
		d.sumEntropy += msg.result.MeanEntropy
		line := fmt.Sprintf("Worker %d: Steps %d, Return %.1f, Entropy %.2f",
			msg.workerID, msg.result.Steps, msg.result.Return, msg.result.MeanEntropy)
		d.recent = append([]string{line}, d.recent...)
		if len(d.recent) > 10 {
			d.recent = d.recent[:10]
		}
		return d, waitForUpdate(d.updates)
	}
	return d, nil
}

func (d dashboard) View() string {
	duration := time.Since(d.startTime)
	stepsPerSec := 0.0
	if duration.Seconds() >= 1 {
		stepsPerSec = float64(d.steps) / duration.Seconds()
	}
	meanReturn, meanEntropy := 0.0, 0.0
	if d.episodes > 0 {
		meanReturn = d.sumReturn / float64(d.episodes)
		meanEntropy = d.sumEntropy / float64(d.episodes)
	}

	s := fmt.Sprintf("Episodes:      %d\n", d.episodes)
	s += fmt.Sprintf("Steps:         %d\n", d.steps)
	s += fmt.Sprintf("Shards:        %d\n", d.shards)
	s += fmt.Sprintf("Mean Return:   %.2f\n", meanReturn)
	s += fmt.Sprintf("Mean Entropy:  %.3f\n", meanEntropy)
	s += fmt.Sprintf("Duration:      %s\n", duration.Round(time.Second))
	s += fmt.Sprintf("Steps/Sec:     %.1f\n", stepsPerSec)
	if d.subscribers != nil {
		s += fmt.Sprintf("Watchers:      %d\n", d.subscribers())
	}

	s += "\nRecent Episodes:\n"
	for _, line := range d.recent {
		s += line + "\n"
	}

	s += "\nPress q to quit.\n"
	return s
}

func main() {
	configPath := flag.String("config", "pipeline.yaml", "Pipeline configuration file")
	outDir := flag.String("out-dir", "", "Override the shard output directory")
	logPath := flag.String("log-file", "selfplay.log", "Log file (the TUI owns the terminal)")
	noTUI := flag.Bool("no-tui", false, "Log to stderr instead of running the dashboard")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.Store.OutputDir = *outDir
	}

	logOut := os.Stderr
	if !*noTUI {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(logging.NewHandler(logOut, logging.Options{}))
	slog.SetDefault(logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	client, err := inference.NewClient(cfg.InferenceConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open models: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("models loaded",
		"initial", cfg.Model.InitialPath,
		"recurrent", cfg.Model.RecurrentPath,
		"device", cfg.Model.Device)

	var hub *monitor.Hub
	if cfg.Monitor.Addr != "" {
		hub = monitor.NewHub(logger)
		defer hub.Close()
		server := &http.Server{Addr: cfg.Monitor.Addr, Handler: hub}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitor server", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelShutdown()
			_ = server.Shutdown(shutdownCtx)
		}()
		logger.Info("monitor listening", "addr", cfg.Monitor.Addr)
	}

	updates := make(chan episodeUpdate, cfg.SelfPlay.Workers)
	shardReqs := make(chan shardRequest, cfg.SelfPlay.Workers*4)

	writerDone := make(chan struct{})
	go func() {
		shardWriterLoop(cfg.Store.OutputDir, cfg.Store.ShardSize, shardReqs, logger)
		close(writerDone)
	}()

	seed := cfg.SelfPlay.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	agg := &aggregate{}

	var workerWG sync.WaitGroup
	for i := 0; i < cfg.SelfPlay.Workers; i++ {
		workerWG.Add(1)
		go func(workerID int) {
			defer workerWG.Done()
			runWorker(ctx, workerID, seed+uint64(workerID), cfg, client, agg, updates, shardReqs, cancel, logger)
		}(i)
	}

	// Periodic stats to the log and the WebSocket hub.
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		statsLoop(ctx, hub, agg, cfg.SelfPlay.Workers, logger)
	}()

	if *noTUI {
		<-ctx.Done()
	} else {
		var subs func() int
		if hub != nil {
			subs = hub.Subscribers
		}
		p := tea.NewProgram(newDashboard(updates, cancel, subs), tea.WithAltScreen())
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			logger.Error("dashboard", "err", err)
		}
		cancel()
	}

	logger.Info("shutdown requested, draining workers")
	workerWG.Wait()
	close(shardReqs)
	<-writerDone
	<-statsDone

	if rows := agg.drain(); len(rows) > 0 {
		path := filepath.Join(cfg.Store.OutputDir, fmt.Sprintf("episodes_%d.parquet", time.Now().UnixNano()))
		if err := store.WriteEpisodesParquet(path, rows); err != nil {
			logger.Error("episode summary flush failed", "err", err)
		} else {
			logger.Info("episode summaries written", "path", path, "episodes", len(rows))
		}
	}

	logger.Info("shutdown complete",
		"episodes", totalEpisodes.Load(),
		"steps", totalSteps.Load(),
		"shards", totalShards.Load())
}

func runWorker(
	ctx context.Context,
	workerID int,
	seed uint64,
	cfg *config.Config,
	client *inference.Client,
	agg *aggregate,
	updates chan<- episodeUpdate,
	shardReqs chan<- shardRequest,
	cancel context.CancelFunc,
	logger *slog.Logger,
) {
	workerLog := logger.With("worker", workerID)
	rng := rand.New(rand.NewSource(seed))

	cartpole := env.NewCartPole(stdrand.New(stdrand.NewSource(int64(seed))))
	stack := env.NewFrameStack(cartpole, cfg.Model.FrameStack)
	search := mcts.New(cfg.SearchConfigValue(), client, rng)
	worker := selfplay.NewWorker(cfg.WorkerConfig(), search, stack, rng, workerLog)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rows, result, err := worker.PlayEpisode(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			workerLog.Error("episode failed", "err", err)
			continue
		}

		totalSteps.Add(int64(result.Steps))
		agg.add(result)
		total := totalEpisodes.Add(1)
		if cfg.SelfPlay.Episodes > 0 && total >= int64(cfg.SelfPlay.Episodes) {
			cancel()
		}

		shardReqs <- shardRequest{rows: rows}

		// Never block shutdown on a stalled UI.
		select {
		case updates <- episodeUpdate{workerID: workerID, result: result}:
		default:
		}
	}
}

func shardWriterLoop(outDir string, shardSize int, in <-chan shardRequest, logger *slog.Logger) {
	if shardSize <= 0 {
		shardSize = 4096
	}

	pending := make([]store.StepRow, 0, shardSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		path, err := store.WriteBatchAtomic(outDir, pending)
		if err != nil {
			logger.Error("shard flush failed", "rows", len(pending), "err", err)
		} else {
			totalShards.Add(1)
			logger.Info("shard written", "path", path, "rows", len(pending))
		}
		pending = pending[:0]
	}

	for req := range in {
		pending = append(pending, req.rows...)
		if len(pending) >= shardSize {
			flush()
		}
	}
	flush()
}

func statsLoop(ctx context.Context, hub *monitor.Hub, agg *aggregate, workers int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			steps := totalSteps.Load()
			episodes := totalEpisodes.Load()
			stepsPerSec := float64(steps) / time.Since(start).Seconds()
			meanReturn, meanEntropy := agg.means()
			logger.Info("progress",
				"episodes", episodes,
				"steps", steps,
				"steps_per_sec", stepsPerSec,
				"mean_return", meanReturn)
			if hub != nil {
				hub.Broadcast(monitor.Stats{
					Episodes:      int(episodes),
					Steps:         int(steps),
					MeanReturn:    meanReturn,
					MeanEntropy:   meanEntropy,
					StepsPerSec:   stepsPerSec,
					ShardsWritten: int(totalShards.Load()),
					Workers:       workers,
				})
			}
		}
	}
}
