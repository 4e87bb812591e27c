package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/storage/sqlite"
)

const defaultConfigYAML = `# agentvault configuration, every setting is optional.
intervals:
  poll: 2s
  approval_sweep: 5s
  retry: 1s
  watchdog: 30s
retry:
  base_delay: 1s
  max_delay: 1m
  max_retries: 3
executor:
  timeout: 1m
  default_action: ""
  sensitive_actions: [email_send, payment]
# actions:
#   - name: email_send
#     command: ["python3", "integrations/send_email.py"]
# watchdog:
#   processes:
#     - name: gmail_watcher
#       command: ["python3", "watchers/gmail_watcher.py"]
# notifications:
#   webhooks:
#     - url: https://hooks.slack.com/services/...
#       format: slack
audit:
  retention_days: 90
# api:
#   listen_address: 127.0.0.1:8080
`

// InitCommand creates the vault layout.
type InitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewInitCommand returns the init command.
func NewInitCommand(rootCmd *RootCommand, app *kingpin.Application) *InitCommand {
	c := &InitCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("init", "Create the vault directories, database and default configuration.")
	return c
}

func (c InitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InitCommand) Run(ctx context.Context) error {
	dir := c.rootCmd.DataDir

	for _, d := range conventions.Dirs(dir) {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("could not create %s: %w", d, err)
		}
	}

	// Opening the repository runs the migrations.
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: conventions.DBPath(dir),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create database: %w", err)
	}
	if err := repo.Close(); err != nil {
		return fmt.Errorf("could not close database: %w", err)
	}

	cfgPath := c.rootCmd.configPath()
	f, err := os.OpenFile(cfgPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	switch {
	case errors.Is(err, os.ErrExist):
		c.rootCmd.Logger.Debugf("Config %s already exists", cfgPath)
	case err != nil:
		return fmt.Errorf("could not create config: %w", err)
	default:
		_, werr := f.WriteString(defaultConfigYAML)
		if err := errors.Join(werr, f.Close()); err != nil {
			return fmt.Errorf("could not write config: %w", err)
		}
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Vault initialized at %s\n", dir)
	return nil
}
