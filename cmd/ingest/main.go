package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"examprep"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	env := examprep.LoadEnv()

	var (
		examFlag   = flag.String("exam", "", "Exam id, e.g. nursing-2023-spring-1 (required)")
		configPath = flag.String("config", "", "Category config YAML (default: built-in defaults)")
		docs       = flag.String("docs", "./exams", "Document directory or gs://bucket/prefix")
		dbPath     = flag.String("db", env.DBPath, "SQLite database path")
		provider   = flag.String("provider", "", "Model provider override (openai, gemini)")
		modelName  = flag.String("model", "", "Model name override")
		redisAddr  = flag.String("redis", env.RedisAddr, "Redis address for the cross-process exam lock (default: in-process lock)")
		reportPath = flag.String("report", "", "Write the validation report JSON here (default: stdout summary only)")
		logDir     = flag.String("logdir", "log", "Directory for per-run audit logs")
		noWait     = flag.Bool("nowait", false, "Fail instead of waiting when the exam is being ingested elsewhere")
		dryRun     = flag.Bool("dry-run", false, "Validate and report without writing to the database")
		timeout    = flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
		verbose    = flag.Bool("verbose", false, "Enable verbose debugging output")
	)
	flag.Parse()

	examprep.SetVerbose(*verbose)
	logger, err := examprep.NewLogger(env.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, env, options{
		exam:       *examFlag,
		configPath: *configPath,
		docs:       *docs,
		dbPath:     *dbPath,
		provider:   *provider,
		model:      *modelName,
		redisAddr:  *redisAddr,
		reportPath: *reportPath,
		logDir:     *logDir,
		noWait:     *noWait,
		dryRun:     *dryRun,
		timeout:    *timeout,
	}); err != nil {
		logger.Error("ingestion failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

type options struct {
	exam       string
	configPath string
	docs       string
	dbPath     string
	provider   string
	model      string
	redisAddr  string
	reportPath string
	logDir     string
	noWait     bool
	dryRun     bool
	timeout    time.Duration
}

func run(logger *examprep.Logger, env examprep.Env, opts options) error {
	if opts.exam == "" {
		return errors.New("exam is required, use -exam")
	}
	exam, err := examprep.ParseExamID(opts.exam)
	if err != nil {
		return err
	}

	cfg := examprep.DefaultCategoryConfig()
	if opts.configPath != "" {
		cfg, err = examprep.LoadCategoryConfig(opts.configPath)
		if err != nil {
			return err
		}
	}
	if opts.provider != "" && opts.provider != cfg.Provider {
		cfg.Provider = opts.provider
		cfg.Model = ""
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var store examprep.DocumentStore = examprep.DirDocumentStore{Dir: opts.docs}
	if strings.HasPrefix(opts.docs, "gs://") {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		defer gcs.Close()
		store, err = examprep.NewGCSDocumentStore(gcs, opts.docs)
		if err != nil {
			return err
		}
	}

	model, closeModel, err := examprep.NewProviderModel(ctx, cfg, env)
	if err != nil {
		return err
	}
	defer closeModel()

	limiter := examprep.NewModelLimiter(cfg.Concurrency, cfg.RequestsPerSecond)
	client := examprep.NewExtractionClient(model, limiter, cfg.ClientConfig(), logger)

	var db *examprep.DB
	if !opts.dryRun {
		db, err = examprep.OpenDB(opts.dbPath)
		if err != nil {
			return err
		}
		defer db.CloseDB()
		if err := db.CreateTables(); err != nil {
			return err
		}
	}

	var locker examprep.ExamLocker = examprep.NewMemoryExamLocker()
	if opts.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", opts.redisAddr, err)
		}
		locker = examprep.NewRedisExamLocker(rdb, time.Duration(env.LockTTLSeconds)*time.Second, logger)
	}

	ingestor, err := examprep.NewIngestor(cfg, store, db, client, locker, logger)
	if err != nil {
		return err
	}
	ingestor.LogDir = opts.logDir

	report, runErr := ingestor.Ingest(ctx, examprep.IngestRequest{
		Exam:   exam,
		NoWait: opts.noWait,
		DryRun: opts.dryRun,
	})
	if report != nil {
		if err := writeReport(report, opts.reportPath); err != nil {
			logger.Warn("failed to write report", "error", err)
		}
	}
	return runErr
}

func writeReport(report *examprep.ValidationReport, path string) error {
	fmt.Printf("%s %s: %s\n", report.ExamID, report.RunID, report.Summary())
	for _, issue := range report.Issues {
		if issue.Severity == examprep.SeverityRejected {
			fmt.Printf("  %s\n", issue)
		}
	}
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	fmt.Printf("Report saved to: %s\n", path)
	return nil
}
