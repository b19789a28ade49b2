package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/api"
	"github.com/BTreeMap/ContactPipe/internal/cadence"
	"github.com/BTreeMap/ContactPipe/internal/content"
	"github.com/BTreeMap/ContactPipe/internal/dispatch"
	"github.com/BTreeMap/ContactPipe/internal/genai"
	"github.com/BTreeMap/ContactPipe/internal/lockfile"
	"github.com/BTreeMap/ContactPipe/internal/messaging"
	"github.com/BTreeMap/ContactPipe/internal/planner"
	"github.com/BTreeMap/ContactPipe/internal/scheduler"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/tracker"
	"github.com/BTreeMap/ContactPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ContactPipe state data
	DefaultStateDir = "/var/lib/contactpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "contactpipe.db"
	// DefaultPlanCron runs the daily planning pass at 06:00.
	DefaultPlanCron = "0 6 * * *"
	// DefaultDispatchCron polls for due tasks every minute.
	DefaultDispatchCron = "* * * * *"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// One engine instance per state directory; a second instance could
	// double-dispatch the same tasks.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	// Open the task store
	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Wire the engine components; config validation fails fast here
	components, err := buildComponents(st, flags)
	if err != nil {
		slog.Error("Failed to build components", "error", err)
		os.Exit(1)
	}

	// Register the planning and dispatch jobs
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := registerJobs(sched, flags, components); err != nil {
		slog.Error("Failed to register scheduled jobs", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(st, components.planner, components.dispatcher, components.tracker, buildAPIOptions(flags)...)
	slog.Info("Bootstrapping ContactPipe", "api_addr", *flags.apiAddr, "dsn_set", *flags.dbDSN != "")
	if err := server.Start(); err != nil {
		slog.Error("ContactPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ContactPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	PlanCron      string
	DispatchCron  string
	DispatchLimit int
	ThanksOnReply bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	planCron      *string
	dispatchCron  *string
	dispatchLimit *int
	thanksOnReply *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CONTACTPIPE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		PlanCron:      os.Getenv("PLAN_SCHEDULE"),
		DispatchCron:  os.Getenv("DISPATCH_SCHEDULE"),
		DispatchLimit: util.ParseIntEnv("DISPATCH_LIMIT", api.DefaultDispatchLimit),
		ThanksOnReply: util.ParseBoolEnv("THANKS_ON_REPLY", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONTACTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.PlanCron == "" {
		config.PlanCron = DefaultPlanCron
	}
	if config.DispatchCron == "" {
		config.DispatchCron = DefaultDispatchCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CONTACTPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"PLAN_SCHEDULE", config.PlanCron,
		"DISPATCH_SCHEDULE", config.DispatchCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ContactPipe data (overrides $CONTACTPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the task store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		planCron:      flag.String("plan-cron", config.PlanCron, "cron schedule for the daily planning run (overrides $PLAN_SCHEDULE)"),
		dispatchCron:  flag.String("dispatch-cron", config.DispatchCron, "cron schedule for the dispatch poll (overrides $DISPATCH_SCHEDULE)"),
		dispatchLimit: flag.Int("dispatch-limit", config.DispatchLimit, "maximum tasks per dispatch cycle (overrides $DISPATCH_LIMIT)"),
		thanksOnReply: flag.Bool("thanks-on-reply", config.ThanksOnReply, "schedule an immediate THANKS task on each reply (overrides $THANKS_ON_REPLY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"planCron", *flags.planCron,
		"dispatchCron", *flags.dispatchCron,
		"dispatchLimit", *flags.dispatchLimit)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// openStore selects the storage backend from the DSN shape.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// components bundles the wired engine services.
type components struct {
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
}

// buildComponents wires the cadence manager, planner, dispatcher and tracker
// over the store. Invalid configuration fails here, before anything starts.
func buildComponents(st store.Store, flags Flags) (*components, error) {
	mgr, err := cadence.NewManager(st, cadence.DefaultConfig())
	if err != nil {
		return nil, err
	}

	pl, err := planner.NewPlanner(st, mgr, nil, nil, planner.DefaultConfig())
	if err != nil {
		return nil, err
	}

	var gen content.Generator
	if *flags.openaiKey != "" {
		os.Setenv("OPENAI_API_KEY", *flags.openaiKey)
	}
	if client, err := genai.NewClient(); err != nil {
		slog.Warn("GenAI client unavailable, generated content disabled", "error", err)
	} else {
		gen = client
	}

	msgService, err := messaging.NewTwilioService()
	if err != nil {
		return nil, err
	}

	renderer := content.NewRenderer(st, gen, nil)
	d, err := dispatch.NewDispatcher(st, msgService, renderer, dispatch.DefaultConfig())
	if err != nil {
		return nil, err
	}

	trackerCfg := tracker.DefaultConfig()
	trackerCfg.ThanksOnReply = *flags.thanksOnReply
	tr, err := tracker.NewTracker(st, mgr, trackerCfg)
	if err != nil {
		return nil, err
	}

	return &components{planner: pl, dispatcher: d, tracker: tr}, nil
}

// registerJobs schedules the planning run and the dispatch poll.
func registerJobs(sched *scheduler.Scheduler, flags Flags, c *components) error {
	if err := sched.AddJob(*flags.planCron, func() {
		if _, err := c.planner.PlanAllUsers(); err != nil {
			slog.Error("Scheduled planning run failed", "error", err)
		}
	}); err != nil {
		return err
	}

	limit := *flags.dispatchLimit
	return sched.AddJob(*flags.dispatchCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
		defer cancel()
		if _, err := c.dispatcher.DispatchDue(ctx, limit); err != nil {
			slog.Error("Scheduled dispatch cycle failed", "error", err)
		}
	})
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
