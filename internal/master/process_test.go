package master

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"batchpress/internal/channel"
	"batchpress/internal/domain"
	"batchpress/internal/infra/gzip"
	"batchpress/internal/worker"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWorkerEnv = "BATCHPRESS_TEST_WORKER"
	testSrcEnv    = "BATCHPRESS_TEST_SRC"
	testOutEnv    = "BATCHPRESS_TEST_OUT"
)

// TestMain doubles as the worker entry point when the test binary is
// re-executed by ExecSpawner.
func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		os.Exit(runTestWorker())
	}
	os.Exit(m.Run())
}

func runTestWorker() int {
	id, err := strconv.Atoi(os.Getenv(WorkerIDEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad worker id:", err)
		return 2
	}
	tr, err := gzip.NewGzipTransformer(kgzip.DefaultCompression)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	opts := worker.Options{
		ID:           id,
		RunID:        "process-test",
		SourceDir:    os.Getenv(testSrcEnv),
		OutputDir:    os.Getenv(testOutEnv),
		OutputSuffix: ".gz",
	}
	jobs, results := channel.WorkerFiles()
	if err := worker.NewUnit(opts, tr, discardLogger()).Run(context.Background(), jobs, results); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func TestDispatcher_ExecWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	src := t.TempDir()
	out := t.TempDir()

	files := names("doc", 6)
	for i, n := range files {
		body := bytes.Repeat([]byte(fmt.Sprintf("line %d of %s\n", i, n)), 200)
		require.NoError(t, os.WriteFile(filepath.Join(src, n), body, 0o644))
	}

	spawner := &ExecSpawner{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    append(os.Environ(), testWorkerEnv+"=1", testSrcEnv+"="+src, testOutEnv+"="+out),
		Stderr: os.Stderr,
	}
	sink := &memorySink{}
	d := newTestDispatcher(Config{Workers: 3, OutputDir: out, OutputSuffix: ".gz"}, spawner, sink)

	// "missing.dat" has no source file and must fail without stopping the run.
	summary, err := d.Run(context.Background(), newSliceQueue(append(files, "missing.dat")...))
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	records := sink.byName()
	require.Len(t, records, 7)
	assert.Equal(t, domain.OutcomeError, records["missing.dat"].Status)

	for _, n := range files {
		rec := records[n]
		require.NotNil(t, rec, n)
		assert.Equal(t, domain.OutcomeSuccess, rec.Status)
		assert.NotEqual(t, os.Getpid(), rec.WorkerPID)
		assert.Positive(t, rec.OutputSize)

		f, err := os.Open(filepath.Join(out, n+".gz"))
		require.NoError(t, err)
		zr, err := kgzip.NewReader(f)
		require.NoError(t, err)
		got, err := io.ReadAll(zr)
		require.NoError(t, err)
		_ = f.Close()

		want, err := os.ReadFile(filepath.Join(src, n))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, w := range d.Registry().All() {
		assert.Equal(t, domain.WorkerStatusTerminated, w.Status)
	}
}
