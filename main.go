// opentriviata-mirror
// -------------------
//
// Incrementally mirrors the Open Trivia DB question catalog into a local
// Postgres database. Each run reconciles local per-category/per-difficulty
// counts against the origin's verified totals and refetches whatever is
// incomplete, honoring the origin's session-token and pagination protocol.
//
// Subcommands:
//   sync       — reconcile and ingest until the origin catalog is exhausted
//   initdb     — create the mirror database and its tables
//   makeconfig — write a starter config file
//
// Configuration lives in a TOML file (see --config); operational knobs are
// flags with environment-variable defaults:
//   OTDB_BASE_URL, OTDB_ORIGIN, PAGE_SIZE, START_CATEGORY, PG_MAX_CONNS,
//   JSON_LOGS, LOG_FILE, DAEMON, DAEMON_MIN_SEC, DAEMON_MAX_SEC
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"opentriviata-mirror/config"
	"opentriviata-mirror/ingest"
	"opentriviata-mirror/opentdb"
	"opentriviata-mirror/store"
)

// ───────── Env helpers ─────────

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// ───────── Commands ─────────

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "opentriviata-mirror",
	Short:         "Mirror the Open Trivia DB catalog into Postgres",
	SilenceUsage:  true,
	SilenceErrors: true,
}

type syncFlags struct {
	freshToken    bool
	origin        string
	baseURL       string
	pageSize      int
	startCategory int
	pgMaxConns    int
	jsonLogs      bool
	logFile       string
	daemon        bool
	daemonMinSec  int
	daemonMaxSec  int
}

var syncOpts syncFlags

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile and ingest until the origin catalog is exhausted",
	Long: `Walk the origin catalog in ascending category id order, compare the
origin's verified question totals against the local mirror, and refetch every
category/difficulty that is incomplete. Exits 0 only when the whole catalog
has been visited.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context())
	},
}

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the mirror database and its tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInitDB(cmd.Context())
	},
}

type makeconfigFlags struct {
	filename string
	hostname string
	port     int
	username string
	password string
	database string
}

var makeconfigOpts makeconfigFlags

var makeconfigCmd = &cobra.Command{
	Use:   "makeconfig",
	Short: "Write a starter config file with database credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds := config.Credentials{
			Host:     makeconfigOpts.hostname,
			Port:     makeconfigOpts.port,
			User:     makeconfigOpts.username,
			Pass:     makeconfigOpts.password,
			Database: makeconfigOpts.database,
		}
		if err := config.WriteStarter(makeconfigOpts.filename, creds); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", makeconfigOpts.filename)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config",
		envString("OTDB_CONFIG", config.DefaultFilename), "path to the config file. Env: OTDB_CONFIG")

	sf := syncCmd.Flags()
	sf.BoolVar(&syncOpts.freshToken, "fresh-token", false, "force a fresh session token before starting")
	sf.StringVar(&syncOpts.origin, "origin", envString("OTDB_ORIGIN", "opentdb"), "origin: opentdb|mock. Env: OTDB_ORIGIN")
	sf.StringVar(&syncOpts.baseURL, "base-url", envString("OTDB_BASE_URL", opentdb.DefaultBaseURL), "origin base URL. Env: OTDB_BASE_URL")
	sf.IntVar(&syncOpts.pageSize, "page-size", envInt("PAGE_SIZE", opentdb.MaxPageSize), "maximum questions per fetch. Env: PAGE_SIZE")
	sf.IntVar(&syncOpts.startCategory, "start-category", envInt("START_CATEGORY", ingest.FirstCategoryID), "lowest category id to reconcile. Env: START_CATEGORY")
	sf.IntVar(&syncOpts.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "database max connections. Env: PG_MAX_CONNS")
	sf.BoolVar(&syncOpts.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "emit a JSON summary line after each run. Env: JSON_LOGS")
	sf.StringVar(&syncOpts.logFile, "log-file", envString("LOG_FILE", ""), "write diagnostics to this rotating file instead of stderr. Env: LOG_FILE")
	sf.BoolVar(&syncOpts.daemon, "daemon", envBool("DAEMON", false), "run forever, sleeping between runs. Env: DAEMON")
	sf.IntVar(&syncOpts.daemonMinSec, "daemon-min-sec", envInt("DAEMON_MIN_SEC", 300), "daemon: minimum seconds between runs. Env: DAEMON_MIN_SEC")
	sf.IntVar(&syncOpts.daemonMaxSec, "daemon-max-sec", envInt("DAEMON_MAX_SEC", 900), "daemon: maximum seconds between runs. Env: DAEMON_MAX_SEC")

	mf := makeconfigCmd.Flags()
	mf.StringVarP(&makeconfigOpts.filename, "filename", "f", config.DefaultFilename, "filename for the generated config file")
	mf.StringVar(&makeconfigOpts.hostname, "hostname", "localhost", "database hostname")
	mf.IntVar(&makeconfigOpts.port, "port", 5432, "database port")
	mf.StringVarP(&makeconfigOpts.username, "username", "u", "postgres", "database username")
	mf.StringVarP(&makeconfigOpts.password, "password", "p", "", "database password")
	mf.StringVar(&makeconfigOpts.database, "database", "opentriviata", "database name")
	_ = makeconfigCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(syncCmd, initdbCmd, makeconfigCmd)
}

// ───────── sync ─────────

func runSync(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}

	logger := newLogger(syncOpts.logFile)

	origin, err := buildOrigin()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, creds.DSN(), syncOpts.pgMaxConns)
	if err != nil {
		return fmt.Errorf("open mirror database: %w", err)
	}
	defer st.Close()
	st.Log = logger
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	tokens := ingest.NewTokenManager(origin, cfg, logger)
	if syncOpts.freshToken {
		if _, err := tokens.Refresh(ctx); err != nil {
			return err
		}
		logger.Printf("session token refreshed")
	}

	engine := ingest.New(origin, st, tokens, ingest.Options{
		PageSize:      syncOpts.pageSize,
		StartCategory: syncOpts.startCategory,
		Logger:        logger,
	})

	if !syncOpts.daemon {
		return syncOnce(ctx, engine, st)
	}

	minSleep := time.Duration(max(1, syncOpts.daemonMinSec)) * time.Second
	maxSleep := time.Duration(max(syncOpts.daemonMinSec, syncOpts.daemonMaxSec)) * time.Second
	for {
		if err := syncOnce(ctx, engine, st); err != nil {
			return err
		}
		sleep := minSleep
		if span := maxSleep - minSleep; span > 0 {
			sleep += time.Duration(rand.Int63n(int64(span)))
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil
		}
	}
}

func syncOnce(ctx context.Context, engine *ingest.Engine, st *store.Store) error {
	sum, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	total, err := st.TotalQuestions(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("origin=%s categories=%d complete=%d units=%d pages=%d inserted=%d duplicates=%d total=%d duration=%0.2f\n",
		syncOpts.origin, sum.CategoriesSeen, sum.CategoriesComplete, sum.UnitsIngested,
		sum.PagesFetched, sum.QuestionsInserted, sum.DuplicatesSkipped, total, sum.Duration.Seconds())

	if syncOpts.jsonLogs {
		j := struct {
			Event       string  `json:"event"`
			Origin      string  `json:"origin"`
			Categories  int     `json:"categories"`
			Complete    int     `json:"complete"`
			Units       int     `json:"units"`
			Pages       int     `json:"pages"`
			Inserted    int     `json:"inserted"`
			Duplicates  int     `json:"duplicates"`
			Total       int     `json:"total"`
			DurationSec float64 `json:"duration_sec"`
			Daemon      bool    `json:"daemon"`
		}{
			Event:       "summary",
			Origin:      syncOpts.origin,
			Categories:  sum.CategoriesSeen,
			Complete:    sum.CategoriesComplete,
			Units:       sum.UnitsIngested,
			Pages:       sum.PagesFetched,
			Inserted:    sum.QuestionsInserted,
			Duplicates:  sum.DuplicatesSkipped,
			Total:       total,
			DurationSec: sum.Duration.Seconds(),
			Daemon:      syncOpts.daemon,
		}
		b, _ := json.Marshal(j)
		fmt.Println(string(b))
	}

	fmt.Println("origin catalog exhausted; mirror is up to date")
	return nil
}

func buildOrigin() (ingest.Origin, error) {
	switch strings.ToLower(strings.TrimSpace(syncOpts.origin)) {
	case "mock":
		return opentdb.NewMock(opentdb.MockOptions{}), nil
	case "opentdb", "":
		return opentdb.NewClient(opentdb.ClientOptions{
			BaseURL: syncOpts.baseURL,
			Timeout: 25 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown origin %q (want opentdb or mock)", syncOpts.origin)
	}
}

func newLogger(logFile string) *log.Logger {
	if logFile == "" {
		return log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}, "[sync] ", log.LstdFlags)
}

// ───────── initdb ─────────

func runInitDB(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}

	if err := store.InitDatabase(ctx, creds.AdminDSN(), creds.Database); err != nil {
		return err
	}
	st, err := store.Open(ctx, creds.DSN(), 1)
	if err != nil {
		return fmt.Errorf("open mirror database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return err
	}
	fmt.Printf("database %s ready\n", creds.Database)
	return nil
}

// ───────── Main ─────────

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
