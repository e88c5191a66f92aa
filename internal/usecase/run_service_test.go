package usecase

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"batchpress/internal/channel"
	"batchpress/internal/config"
	"batchpress/internal/domain"
	"batchpress/internal/master"
	"batchpress/internal/wire"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettingsEnv = "BATCHPRESS_TEST_SETTINGS"

// TestMain serves as the worker process when re-executed by a test spawner.
func TestMain(m *testing.M) {
	if raw := os.Getenv(testSettingsEnv); raw != "" {
		os.Exit(runTestWorker(raw))
	}
	os.Exit(m.Run())
}

func runTestWorker(raw string) int {
	var settings WorkerSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	id, err := strconv.Atoi(os.Getenv(master.WorkerIDEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	jobs, results := channel.WorkerFiles()
	if err := ServeWorker(context.Background(), id, settings, jobs, results, discardLogger()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpawner(settings WorkerSettings) (master.Spawner, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return &master.ExecSpawner{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    append(os.Environ(), testSettingsEnv+"="+string(raw)),
		Stderr: os.Stderr,
	}, nil
}

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := kgzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Workers:           2,
		Timeout:           10 * time.Second,
		WorkDir:           filepath.Join(dir, "source_files"),
		OutputDir:         filepath.Join(dir, "compressed_files"),
		OutputSuffix:      ".gz",
		MaxFilenameLength: 255,
		LogLevel:          "info",
		Transform:         config.TransformConfig{Kind: "gzip", Level: kgzip.BestSpeed},
		Records:           config.RecordsConfig{Kind: "file", Path: filepath.Join(dir, "compression.log")},
		WorkerLog:         filepath.Join(dir, "worker.log"),
		Metrics:           config.MetricsConfig{Textfile: filepath.Join(dir, "batchpress.prom")},
	}
}

func readRecords(t *testing.T, path string) []domain.JobRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.JobRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec domain.JobRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRunService_CompressesArchive(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	cfg := testConfig(t)
	files := map[string]string{
		"a.txt":   "alpha alpha alpha",
		"b.txt":   "bravo bravo bravo",
		"c.txt":   "charlie charlie",
		".hidden": "skipped",
	}
	bundle := writeBundle(t, files)

	svc := NewRunService(cfg, testSpawner, discardLogger())
	summary, err := svc.Run(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Dispatched)
	assert.Equal(t, 3, summary.Succeeded)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f, err := os.Open(filepath.Join(cfg.OutputDir, name+".gz"))
		require.NoError(t, err, name)
		zr, err := kgzip.NewReader(f)
		require.NoError(t, err)
		got, err := io.ReadAll(zr)
		require.NoError(t, err)
		_ = f.Close()
		assert.Equal(t, files[name], string(got))
	}
	_, err = os.Stat(filepath.Join(cfg.OutputDir, ".hidden.gz"))
	assert.True(t, os.IsNotExist(err))

	records := readRecords(t, cfg.Records.Path)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, summary.RunID, rec.RunID)
		assert.Equal(t, domain.OutcomeSuccess, rec.Status)
		assert.Equal(t, int64(len(files[rec.Filename])), rec.OriginalSize)
		assert.Positive(t, rec.OutputSize)
	}

	// Workers keep their own log, written from inside the worker processes.
	local := readRecords(t, cfg.WorkerLog)
	require.Len(t, local, 3)
	assert.NotEqual(t, os.Getpid(), local[0].WorkerPID)

	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "batchpress_jobs_total")
}

func TestRunService_MissingArchive(t *testing.T) {
	cfg := testConfig(t)
	svc := NewRunService(cfg, testSpawner, discardLogger())

	_, err := svc.Run(context.Background(), filepath.Join(t.TempDir(), "absent.tar.gz"))
	require.ErrorIs(t, err, domain.ErrMalformedArchive)

	// Nothing is set up for an archive that cannot be read.
	_, statErr := os.Stat(cfg.WorkDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunService_SpawnerFailureIsStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Records.Kind = "none"
	bundle := writeBundle(t, map[string]string{"a.txt": "a"})

	failing := func(WorkerSettings) (master.Spawner, error) {
		return nil, fmt.Errorf("no executable")
	}
	_, err := NewRunService(cfg, failing, discardLogger()).Run(context.Background(), bundle)
	require.ErrorIs(t, err, domain.ErrStartup)
}

func TestNewTransformer(t *testing.T) {
	_, err := NewTransformer(config.TransformConfig{Kind: "shell", Command: "true"}, discardLogger())
	assert.NoError(t, err)
	_, err = NewTransformer(config.TransformConfig{Kind: "gzip", Level: 6}, discardLogger())
	assert.NoError(t, err)
	_, err = NewTransformer(config.TransformConfig{Kind: "gzip", Level: 42}, discardLogger())
	assert.Error(t, err)
	_, err = NewTransformer(config.TransformConfig{Kind: "brotli"}, discardLogger())
	assert.Error(t, err)
}

func TestServeWorker_InProcess(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "x.txt"), []byte("xxxxxxxx"), 0o644))

	var jobs bytes.Buffer
	require.NoError(t, wire.WriteJob(&jobs, "x.txt"))
	require.NoError(t, wire.WriteJob(&jobs, "missing.txt"))
	require.NoError(t, wire.WriteShutdown(&jobs))
	var results bytes.Buffer
	settings := WorkerSettings{
		RunID:        "r1",
		SourceDir:    src,
		OutputDir:    out,
		OutputSuffix: ".gz",
		Transform:    config.TransformConfig{Kind: "gzip", Level: 1},
	}
	require.NoError(t, ServeWorker(context.Background(), 0, settings, &jobs, &results, discardLogger()))
	assert.Equal(t, "Success\nError\n", results.String())
	_, err := os.Stat(filepath.Join(out, "x.txt.gz"))
	assert.NoError(t, err)
}
