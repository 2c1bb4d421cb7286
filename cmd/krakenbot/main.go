package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/logx"

	"krakenbot/internal/config"
	"krakenbot/internal/depthlog"
	"krakenbot/pkg/book"
	"krakenbot/pkg/bot"
	"krakenbot/pkg/decision"
	"krakenbot/pkg/events"
	"krakenbot/pkg/execution"
	"krakenbot/pkg/features"
	"krakenbot/pkg/journal"
	"krakenbot/pkg/kraken"
	"krakenbot/pkg/llm"
)

var (
	flagConfig = flag.String("config", "", "path to the yaml config file")
	flagPair   = flag.String("pair", "", "trading pair, e.g. DOGE/USD")
	flagRisk   = flag.Float64("risk", 0, "per-trade risk percent (1-100)")
	flagDryRun = flag.Bool("dry-run", false, "construct and log orders without submitting them")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logx.Errorf("krakenbot: fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Best-effort dotenv; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rest, err := buildRESTClient(cfg)
	if err != nil {
		return err
	}
	ws := kraken.NewWSManager(rest)

	pair := kraken.NormalizePair(cfg.Pair)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	meta, err := rest.AssetPair(ctx, pair.REST)
	cancel()
	if err != nil {
		return fmt.Errorf("krakenbot: resolve pair %q: %w", cfg.Pair, err)
	}

	bk := book.New(pair.WS)
	builder := features.NewBuilder(rest, bk, pair,
		features.WithSlippageNotional(cfg.SlippageNotional))

	eventsCfg := events.DefaultConfig()
	eventsCfg.DebounceInterval = cfg.Events.Debounce
	if cfg.Events.ConfluenceDelta > 0 {
		eventsCfg.ConfluenceDelta = cfg.Events.ConfluenceDelta
	}
	if cfg.Events.DrawdownGuardPct > 0 {
		eventsCfg.DrawdownGuardPct = cfg.Events.DrawdownGuardPct
	}
	if cfg.Events.TimeStopBars > 0 {
		eventsCfg.TimeStopBars = cfg.Events.TimeStopBars
	}
	engine := events.New(eventsCfg, nil)

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	sink, err := journal.NewWriter(cfg.Journal.Path)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg, pair, meta, rest, ws, bk, builder, engine, adapter, sink)
	if err != nil {
		return err
	}

	var depth *depthlog.Logger
	if cfg.DepthLog.Enabled {
		depth, err = depthlog.Open(cfg.DepthLog.Path)
		if err != nil {
			return err
		}
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err = ws.SubscribeBook(startCtx, pair.WS, cfg.BookDepth, depth.Record)
		cancel()
		if err != nil {
			logx.Slowf("krakenbot: depth logger subscribe failed: %v", err)
		}
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 60*time.Second)
	err = orch.Start(startCtx)
	cancelStart()
	if err != nil {
		return err
	}

	logx.Infof("krakenbot: running pair=%s dry_run=%v", pair.WS, cfg.DryRun)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logx.Info("krakenbot: shutting down")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	orch.Stop(stopCtx)
	cancelStop()
	if depth != nil {
		_ = depth.Close()
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *flagConfig != "" {
		cfg, err = config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override the file.
	if *flagPair != "" {
		cfg.Pair = *flagPair
	}
	if *flagDryRun {
		cfg.DryRun = true
	}
	if *flagRisk > 0 {
		if *flagRisk < 1 || *flagRisk > 100 {
			return nil, fmt.Errorf("krakenbot: --risk must be between 1 and 100")
		}
		cfg.Execution.MaxTradeRiskPct = *flagRisk
	}
	return cfg, nil
}

func buildRESTClient(cfg *config.Config) (*kraken.Client, error) {
	opts := []kraken.ClientOption{}
	if cfg.Kraken.BaseURL != "" {
		opts = append(opts, kraken.WithBaseURL(cfg.Kraken.BaseURL))
	}
	client, err := kraken.NewClient(cfg.Kraken.APIKey, cfg.Kraken.APISecret, opts...)
	if err != nil {
		return nil, fmt.Errorf("krakenbot: build rest client: %w", err)
	}
	return client, nil
}

func buildAdapter(cfg *config.Config) (*decision.Adapter, error) {
	if cfg.LLM.APIKey == "" {
		if !cfg.DryRun {
			return nil, fmt.Errorf("krakenbot: OPENAI_API_KEY is required for live trading")
		}
		// Dry runs without a model hold on every trigger.
		logx.Slow("krakenbot: no model key configured, decisions degrade to HOLD")
		return decision.NewAdapter(nil), nil
	}
	client, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		return nil, err
	}
	return decision.NewAdapter(client), nil
}

func newOrchestrator(
	cfg *config.Config,
	pair kraken.Pair,
	meta *kraken.PairMetadata,
	rest *kraken.Client,
	ws *kraken.WSManager,
	bk *book.Book,
	builder *features.Builder,
	engine *events.Engine,
	adapter *decision.Adapter,
	sink *journal.Writer,
) (*bot.Orchestrator, error) {
	opts := bot.Options{
		Pair:              pair.WS,
		PrimaryInterval:   cfg.PrimaryInterval,
		BookDepth:         cfg.BookDepth,
		EvalInterval:      cfg.EvalInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SpikeWindowMs:     cfg.Events.SpikeWindowMs,
		SpikeThresholdPct: cfg.Events.SpikeThresholdPct,
		DryRun:            cfg.DryRun,
	}

	exec := execution.NewEngine(cfg.Execution, pair, meta, rest,
		execution.WithDryRun(cfg.DryRun))

	orch, err := bot.New(opts, bot.Deps{
		REST:    rest,
		WS:      ws,
		Book:    bk,
		Builder: builder,
		Events:  engine,
		Adapter: adapter,
		Exec:    exec,
		ExecCfg: cfg.Execution,
		Journal: sink,
	})
	if err != nil {
		return nil, err
	}
	exec.SetStatusReporter(orch.StatusReporter())
	return orch, nil
}
