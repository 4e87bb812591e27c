package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/agentvault/cmd/agentvault/commands"
	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/log"
	loglogrus "github.com/slok/agentvault/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	// The vault env file is loaded before parsing so it can set the flags envars.
	if err := loadEnvFile(); err != nil {
		return fmt.Errorf("could not load env file: %w", err)
	}

	app := kingpin.New("agentvault", "File based task vault for autonomous agents with human approvals.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	initCmd := commands.NewInitCommand(rootCmd, app)
	runCmd := commands.NewRunCommand(rootCmd, app)
	intakeCmd := commands.NewIntakeCommand(rootCmd, app)

	taskCmd := app.Command("task", "Manage tasks.")
	taskListCmd := commands.NewTaskListCommand(rootCmd, taskCmd)

	approvalCmd := app.Command("approval", "Manage approval requests.")
	approvalListCmd := commands.NewApprovalListCommand(rootCmd, approvalCmd)
	approvalApproveCmd := commands.NewApprovalApproveCommand(rootCmd, approvalCmd)
	approvalRejectCmd := commands.NewApprovalRejectCommand(rootCmd, approvalCmd)

	queueCmd := app.Command("queue", "Manage the retry queue.")
	queueListCmd := commands.NewQueueListCommand(rootCmd, queueCmd)
	queueProcessCmd := commands.NewQueueProcessCommand(rootCmd, queueCmd)
	queueRequeueCmd := commands.NewQueueRequeueCommand(rootCmd, queueCmd)

	auditCmd := app.Command("audit", "Inspect the audit log.")
	auditQueryCmd := commands.NewAuditQueryCommand(rootCmd, auditCmd)
	auditReportCmd := commands.NewAuditReportCommand(rootCmd, auditCmd)
	auditTrimCmd := commands.NewAuditTrimCommand(rootCmd, auditCmd)

	watchdogCmd := app.Command("watchdog", "Supervise the worker processes.")
	watchdogCheckCmd := commands.NewWatchdogCheckCommand(rootCmd, watchdogCmd)

	cmds := map[string]commands.Command{
		initCmd.Name():            initCmd,
		runCmd.Name():             runCmd,
		intakeCmd.Name():          intakeCmd,
		taskListCmd.Name():        taskListCmd,
		approvalListCmd.Name():    approvalListCmd,
		approvalApproveCmd.Name(): approvalApproveCmd,
		approvalRejectCmd.Name():  approvalRejectCmd,
		queueListCmd.Name():       queueListCmd,
		queueProcessCmd.Name():    queueProcessCmd,
		queueRequeueCmd.Name():    queueRequeueCmd,
		auditQueryCmd.Name():      auditQueryCmd,
		auditReportCmd.Name():     auditReportCmd,
		auditTrimCmd.Name():       auditTrimCmd,
		watchdogCheckCmd.Name():   watchdogCheckCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Auto-suppress logging for commands that produce structured output (table/JSON)
	// to prevent log noise from mixing with printer output in the terminal.
	// Users can still enable logging with --debug.
	printerCommands := map[string]bool{
		"task list":     true,
		"approval list": true,
		"queue list":    true,
		"audit query":   true,
		"audit report":  true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(ctx, *rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// loadEnvFile loads the env file of the vault, the vault is the AGENTVAULT_DATA_DIR
// one or the default. The variables already set are not overridden.
func loadEnvFile() error {
	dataDir := os.Getenv("AGENTVAULT_DATA_DIR")
	if dataDir == "" {
		dataDir = commands.DefaultDataDir()
	}

	err := godotenv.Load(filepath.Join(dataDir, conventions.EnvFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// getLogger returns the application logger.
func getLogger(ctx context.Context, config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
