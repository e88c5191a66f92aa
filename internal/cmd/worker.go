package cmd

import (
	"fmt"
	"os"
	"strconv"

	"batchpress/internal/channel"
	"batchpress/internal/config"
	"batchpress/internal/master"
	"batchpress/internal/usecase"

	"github.com/spf13/cobra"
)

var workerSettings usecase.WorkerSettings

// workerCmd is the entry point of every pool process. The dispatcher starts
// it with the job stream on fd 3 and the result stream on fd 4.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve compression jobs from the dispatcher",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	f := workerCmd.Flags()
	f.StringVar(&workerSettings.RunID, "run-id", "", "Run the jobs belong to")
	f.StringVar(&workerSettings.SourceDir, "source-dir", "", "Directory holding the input files")
	f.StringVar(&workerSettings.OutputDir, "output-dir", "", "Directory receiving the artifacts")
	f.StringVar(&workerSettings.OutputSuffix, "output-suffix", ".gz", "Suffix appended to output names")
	f.StringVar(&workerSettings.Transform.Kind, "transform-kind", "shell", "Transformer: shell or gzip")
	f.StringVar(&workerSettings.Transform.Command, "transform-command", "", "Shell command for the shell transformer")
	f.DurationVar(&workerSettings.Transform.Timeout, "transform-timeout", 0, "Per-file limit for the shell transformer")
	f.IntVar(&workerSettings.Transform.Level, "transform-level", 6, "Compression level for the gzip transformer")
	f.StringVar(&workerSettings.WorkerLog, "worker-log", "", "Per-worker JSON lines log")
	f.StringVar(&workerSettings.LogLevel, "log-level", "info", "Log level")
}

// workerArgs is the command line that makes a re-executed binary serve as a
// worker with settings.
func workerArgs(s usecase.WorkerSettings) []string {
	return []string{
		workerCmd.Name(),
		"--run-id=" + s.RunID,
		"--source-dir=" + s.SourceDir,
		"--output-dir=" + s.OutputDir,
		"--output-suffix=" + s.OutputSuffix,
		"--transform-kind=" + s.Transform.Kind,
		"--transform-command=" + s.Transform.Command,
		"--transform-timeout=" + s.Transform.Timeout.String(),
		"--transform-level=" + strconv.Itoa(s.Transform.Level),
		"--worker-log=" + s.WorkerLog,
		"--log-level=" + s.LogLevel,
	}
}

func selfSpawner(settings usecase.WorkerSettings) (master.Spawner, error) {
	return master.NewSelfSpawner(workerArgs(settings)...)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	id, err := strconv.Atoi(os.Getenv(master.WorkerIDEnv))
	if err != nil {
		return fmt.Errorf("worker must be started by the dispatcher (%s): %w", master.WorkerIDEnv, err)
	}

	// Workers log to stderr, which they share with the dispatcher.
	logger := newLogger(os.Stderr, config.ParseLevel(workerSettings.LogLevel)).
		With("worker_id", id, "pid", os.Getpid(), "run_id", workerSettings.RunID)

	jobs, results := channel.WorkerFiles()
	defer jobs.Close()
	defer results.Close()

	return usecase.ServeWorker(cmd.Context(), id, workerSettings, jobs, results, logger)
}
