package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/StudyPipe/internal/api"
	"github.com/BTreeMap/StudyPipe/internal/checkpoint"
	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/lockfile"
	"github.com/BTreeMap/StudyPipe/internal/metrics"
	"github.com/BTreeMap/StudyPipe/internal/notify"
	"github.com/BTreeMap/StudyPipe/internal/recording"
	"github.com/BTreeMap/StudyPipe/internal/schedule"
	"github.com/BTreeMap/StudyPipe/internal/scheduler"
	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/BTreeMap/StudyPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StudyPipe state data
	DefaultStateDir = "/var/lib/studypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "studypipe.db"
)

func main() {
	env := loadEnvironmentConfig()
	initializeLogger(env.LogLevel)
	flags := parseCommandLineFlags(env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping StudyPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("StudyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StudyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel            string
	StateDir            string
	DatabaseURL         string
	APIAddr             string
	ScheduleFile        string
	StudyTimerCron      string
	RecordingBaseURL    string
	RecordingAPIKey     string
	RecordingRatePerSec int
	ReminderLead        time.Duration
	JobPollInterval     time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	apiAddr          *string
	scheduleFile     *string
	studyTimerCron   *string
	recordingBaseURL *string
	recordingAPIKey  *string
	recordingRate    *int
	reminderLead     *time.Duration
	jobPollInterval  *time.Duration
}

// initializeLogger installs a text logger at the given level, defaulting to debug.
func initializeLogger(level string) {
	lvl := slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	env := Config{
		LogLevel:            os.Getenv("LOG_LEVEL"),
		StateDir:            util.ParseStringEnv("STUDYPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		APIAddr:             util.ParseStringEnv("API_ADDR", api.DefaultAddr),
		ScheduleFile:        os.Getenv("SCHEDULE_CONFIG"),
		StudyTimerCron:      util.ParseStringEnv("STUDY_TIMER_CRON", scheduler.DefaultStudyTimerExpr),
		RecordingBaseURL:    os.Getenv("RECORDING_BASE_URL"),
		RecordingAPIKey:     os.Getenv("RECORDING_API_KEY"),
		RecordingRatePerSec: util.ParseIntEnv("RECORDING_RATE_PER_SEC", recording.DefaultRatePerSec),
		ReminderLead:        util.ParseDurationEnv("REMINDER_LEAD", checkpoint.DefaultReminderLead),
		JobPollInterval:     util.ParseDurationEnv("JOB_POLL_INTERVAL", store.DefaultJobPollInterval),
	}

	// Without a database URL the store lives in the state directory
	if env.DatabaseURL == "" {
		env.DatabaseURL = filepath.Join(env.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", env.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"STUDYPIPE_STATE_DIR", env.StateDir,
		"DATABASE_URL_SET", env.DatabaseURL != "",
		"API_ADDR", env.APIAddr,
		"SCHEDULE_CONFIG", env.ScheduleFile,
		"STUDY_TIMER_CRON", env.StudyTimerCron,
		"RECORDING_BASE_URL", env.RecordingBaseURL,
		"RECORDING_API_KEY_SET", env.RecordingAPIKey != "")

	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(env Config) Flags {
	flags := Flags{
		stateDir:         flag.String("state-dir", env.StateDir, "state directory for StudyPipe data (overrides $STUDYPIPE_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", env.DatabaseURL, "SQLite path or PostgreSQL DSN; empty keeps state in memory (overrides $DATABASE_URL)"),
		apiAddr:          flag.String("api-addr", env.APIAddr, "API server address (overrides $API_ADDR)"),
		scheduleFile:     flag.String("schedule-config", env.ScheduleFile, "YAML schedule parameters, reloaded on change (overrides $SCHEDULE_CONFIG)"),
		studyTimerCron:   flag.String("study-timer-cron", env.StudyTimerCron, "cron expression for the lapsed-participant sweep (overrides $STUDY_TIMER_CRON)"),
		recordingBaseURL: flag.String("recording-base-url", env.RecordingBaseURL, "external recording API; enables recording overrides (overrides $RECORDING_BASE_URL)"),
		recordingAPIKey:  flag.String("recording-api-key", env.RecordingAPIKey, "external recording API key (overrides $RECORDING_API_KEY)"),
		recordingRate:    flag.Int("recording-rate", env.RecordingRatePerSec, "max external recording requests per second (overrides $RECORDING_RATE_PER_SEC)"),
		reminderLead:     flag.Duration("reminder-lead", env.ReminderLead, "how long before the due date reminders are sent (overrides $REMINDER_LEAD)"),
		jobPollInterval:  flag.Duration("job-poll-interval", env.JobPollInterval, "notification job poll interval (overrides $JOB_POLL_INTERVAL)"),
	}

	flag.Parse()

	// Follow a changed state directory unless the DSN was set explicitly
	if *flags.dbDSN == filepath.Join(env.StateDir, DefaultDBFileName) && *flags.stateDir != env.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"scheduleConfig", *flags.scheduleFile,
		"studyTimerCron", *flags.studyTimerCron,
		"recordingBaseURL", *flags.recordingBaseURL,
		"reminderLead", *flags.reminderLead)

	return flags
}

// run wires the modules together and blocks until ctx is canceled.
func run(ctx context.Context, flags Flags) error {
	if usesStateDir(*flags.dbDSN, *flags.stateDir) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	provider, err := buildScheduleProvider(ctx, *flags.scheduleFile)
	if err != nil {
		return err
	}
	loc, err := provider.Schedule().Location()
	if err != nil {
		return err
	}
	sched, err := buildScheduler(provider, flags)
	if err != nil {
		return err
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.InitMetrics(reg)

	svc := checkpoint.NewService(st, sched, buildSender(),
		checkpoint.WithMetrics(m),
		checkpoint.WithReminderLead(*flags.reminderLead))

	runner := store.NewJobRunner(st, *flags.jobPollInterval)
	svc.RegisterJobHandlers(runner)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale notification jobs", "error", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	defer wg.Wait()

	// Catch up on windows that lapsed while the service was down
	if n, err := svc.Sweep(ctx); err != nil {
		slog.Warn("Startup sweep finished with errors", "rescheduled", n, "error", err)
	}

	timer := scheduler.NewScheduler(scheduler.WithLocation(loc))
	defer timer.Stop()
	if err := timer.AddJob(*flags.studyTimerCron, func() {
		if _, err := svc.Sweep(ctx); err != nil {
			slog.Error("Scheduled sweep finished with errors", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid study timer cron %q: %w", *flags.studyTimerCron, err)
	}
	slog.Info("Study timer scheduled", "cron", *flags.studyTimerCron, "next", timer.Next())

	srv := api.NewServer(svc, api.WithAddr(*flags.apiAddr), api.WithMetrics(m, reg))
	return srv.Run(ctx)
}

// usesStateDir reports whether dsn is an SQLite file inside stateDir.
func usesStateDir(dsn, stateDir string) bool {
	if dsn == "" || store.DetectDSNType(dsn) != store.BackendSQLite {
		return false
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	rel, err := filepath.Rel(stateDir, filepath.Dir(path))
	return err == nil && rel == "."
}

// buildScheduleProvider loads the schedule parameters. A schedule file is watched for
// changes; without one the defaults and STUDYPIPE_* variables are fixed for the process.
func buildScheduleProvider(ctx context.Context, path string) (config.Provider, error) {
	if path == "" {
		s := config.ApplyEnv(config.Defaults())
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return config.Static(s), nil
	}

	mgr := config.NewManager(path)
	if _, err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("load schedule config: %w", err)
	}
	go func() {
		if err := mgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Schedule config watcher stopped", "error", err)
		}
	}()
	return mgr, nil
}

// buildScheduler picks the scheduler variant: recording overrides when an external
// recording API is configured, plain rules otherwise.
func buildScheduler(provider config.Provider, flags Flags) (schedule.Scheduler, error) {
	var opts []schedule.Option
	if provider.Schedule().UseFakeDateCalculation {
		slog.Warn("Fake date calculation enabled: windows open shortly after each checkpoint",
			"start_delay", schedule.DefaultFixedStartDelay, "open_for", schedule.DefaultFixedOpenFor)
		opts = append(opts, schedule.WithWindowCalculator(schedule.NewFixedOffsetClock()))
	}
	rules := schedule.NewRuleBasedScheduler(provider, opts...)

	if *flags.recordingBaseURL == "" {
		return rules, nil
	}
	var recOpts []recording.Option
	if *flags.recordingAPIKey != "" {
		recOpts = append(recOpts, recording.WithAPIKey(*flags.recordingAPIKey))
	}
	if *flags.recordingRate > 0 {
		recOpts = append(recOpts, recording.WithRatePerSec(*flags.recordingRate))
	}
	src, err := recording.NewHTTPSource(*flags.recordingBaseURL, recOpts...)
	if err != nil {
		return nil, fmt.Errorf("recording source: %w", err)
	}
	slog.Info("External recording overrides enabled", "base_url", *flags.recordingBaseURL)
	return schedule.NewExternalOverrideScheduler(rules, src), nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == store.BackendPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildSender returns the Twilio sender when credentials are configured and a logging
// sender otherwise.
func buildSender() notify.Sender {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Warn("Twilio not configured, notifications are only logged")
		return notify.LogSender{}
	}
	sender, err := notify.NewTwilioSender()
	if err != nil {
		slog.Warn("Twilio configuration incomplete, notifications are only logged", "error", err)
		return notify.LogSender{}
	}
	return sender
}
