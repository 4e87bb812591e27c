package conventions

import (
	"path/filepath"
	"strings"

	"github.com/slok/agentvault/internal/model"
)

const (
	// DefaultDataDir is the default vault directory name (relative to home).
	DefaultDataDir = ".agentvault"

	// PlansDir is the subdirectory for plan artifacts.
	PlansDir = "plans"
	// QueueDir is the subdirectory for actions waiting to be retried.
	QueueDir = "queue"
	// ProcessingDir is the subdirectory (inside QueueDir) for actions claimed by a worker.
	ProcessingDir = ".processing"
	// QuarantineDir is the subdirectory for actions that exhausted their retries.
	QuarantineDir = "quarantine"
	// LogsDir is the subdirectory for the daily audit segments.
	LogsDir = "logs"
	// RunDir is the subdirectory for supervised process PID files.
	RunDir = "run"

	// DBFile is the SQLite database filename that holds approval requests.
	DBFile = "agentvault.db"
	// ConfigFile is the default YAML configuration filename.
	ConfigFile = "agentvault.yaml"
	// EnvFile is the dotenv filename loaded before parsing flags.
	EnvFile = ".env"

	// PlanFileSuffix is appended to the task file stem to name its plan artifact.
	PlanFileSuffix = ".plan.yaml"
	// AuditSegmentLayout is the date layout of the audit segment filenames.
	AuditSegmentLayout = "2006-01-02"
	// AuditSegmentExt is the audit segment file extension.
	AuditSegmentExt = ".jsonl"
	// QueueEntryExt is the queue entry file extension.
	QueueEntryExt = ".json"
	// PIDFileExt is the supervised process PID file extension.
	PIDFileExt = ".pid"
)

// StageDir returns the directory that holds the tasks of a stage.
func StageDir(dataDir string, stage model.Stage) string {
	return filepath.Join(dataDir, string(stage))
}

// PIDFilePath returns the default PID file path of a supervised process.
func PIDFilePath(dataDir, name string) string {
	return filepath.Join(dataDir, RunDir, name+PIDFileExt)
}

// DBPath returns the approvals database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// Dirs returns all the directories of a vault layout.
func Dirs(dataDir string) []string {
	dirs := make([]string, 0, len(model.Stages)+6)
	for _, st := range model.Stages {
		dirs = append(dirs, StageDir(dataDir, st))
	}
	return append(dirs,
		filepath.Join(dataDir, PlansDir),
		filepath.Join(dataDir, QueueDir),
		filepath.Join(dataDir, QueueDir, ProcessingDir),
		filepath.Join(dataDir, QuarantineDir),
		filepath.Join(dataDir, LogsDir),
		filepath.Join(dataDir, RunDir),
	)
}

// IsTaskFile returns true if the file name is considered a task: hidden files and
// in-flight temporary files are not.
func IsTaskFile(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp")
}
