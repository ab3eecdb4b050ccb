package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gocopy/config"
	"github.com/franksops/gocopy/engine"
	"github.com/franksops/gocopy/provider"
	"github.com/franksops/gocopy/store"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCopyCommand_Directory(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "photos")
	dst := filepath.Join(tmp, "backup")
	writeFile(t, filepath.Join(src, "a.jpg"), "aaaa")
	writeFile(t, filepath.Join(src, "2024", "b.jpg"), "bbbbbbbb")
	history := filepath.Join(tmp, "history.db")

	_, stderr, err := execute(t, "copy", "--no-tui", "-w", "2", "--checksum",
		"--history", history, "--log-level", "error", src, dst)
	require.NoError(t, err, stderr)

	got, err := os.ReadFile(filepath.Join(dst, "photos", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(got))
	got, err = os.ReadFile(filepath.Join(dst, "photos", "2024", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb", string(got))

	out, _, err := execute(t, "history", "--history", history)
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, "b.jpg")

	s, err := store.NewBoltStore(history)
	require.NoError(t, err)
	jobs, err := s.ListJobs()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Len(t, jobs, 2)

	out, _, err = execute(t, "verify", "--history", history, jobs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	out, _, err = execute(t, "history", "--history", history, jobs[1].ID)
	require.NoError(t, err)
	assert.Contains(t, out, jobs[1].DestinationPath)
	assert.Contains(t, out, "CRC64:")
}

func TestCopyCommand_SkipsExisting(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "report.txt")
	dst := filepath.Join(tmp, "out")
	writeFile(t, src, "new contents")
	writeFile(t, filepath.Join(dst, "report.txt"), "old")

	_, stderr, err := execute(t, "copy", "--no-tui", src, dst)
	require.NoError(t, err)
	assert.Contains(t, stderr, "skipped (already exists): "+filepath.Join(dst, "report.txt"))

	got, err := os.ReadFile(filepath.Join(dst, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestCopyCommand_MissingSource(t *testing.T) {
	tmp := t.TempDir()
	_, _, err := execute(t, "copy", "--no-tui", filepath.Join(tmp, "nope"), filepath.Join(tmp, "dst"))
	assert.Error(t, err)
}

func TestCopyCommand_InvalidFlags(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "a"), "a")

	_, _, err := execute(t, "copy", "--no-tui", "-w", "0", filepath.Join(tmp, "a"), filepath.Join(tmp, "b"))
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, _, err = execute(t, "copy", filepath.Join(tmp, "a"))
	assert.Error(t, err)
}

func TestCopyFlags_Apply(t *testing.T) {
	cmd := newCopyCmd(&app{})
	require.NoError(t, cmd.ParseFlags([]string{"--workers", "8", "--interval", "1s", "--verify", "--no-metadata", "--no-tui"}))

	conf := config.Default()
	var f copyFlags
	f.workers, f.interval, f.verify, f.noMetadata, f.noTUI = 8, time.Second, true, true, true
	f.apply(cmd, &conf)

	assert.Equal(t, 8, conf.Workers)
	assert.Equal(t, time.Second, conf.Interval)
	assert.Equal(t, config.DefaultChunkSize, conf.ChunkSize)
	assert.True(t, conf.Verify)
	assert.True(t, conf.Checksum, "verify implies checksum")
	assert.False(t, conf.PreserveMetadata)
	assert.False(t, conf.TUI)
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	tmp := t.TempDir()
	confPath := filepath.Join(tmp, "gocopy.yaml")
	writeFile(t, confPath, "workers: 3\nhistory_path: "+filepath.Join(tmp, "from-config.db")+"\n")

	a := &app{}
	root := newRootCmd()
	root.SetArgs([]string{"history", "-c", confPath, "--history", filepath.Join(tmp, "flag.db")})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "No transfers recorded.")
	assert.FileExists(t, filepath.Join(tmp, "flag.db"))
	assert.NoFileExists(t, filepath.Join(tmp, "from-config.db"))

	a.flags.configPath = confPath
	require.NoError(t, a.loadConfig(newRootCmd()))
	assert.Equal(t, 3, a.conf.Workers)
}

func TestHistory_Prune(t *testing.T) {
	history := filepath.Join(t.TempDir(), "history.db")
	s, err := store.NewBoltStore(history)
	require.NoError(t, err)
	require.NoError(t, s.SaveJob(&store.JobRecord{ID: "old", State: store.StateCompleted, UpdatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.SaveJob(&store.JobRecord{ID: "new", State: store.StateCompleted, UpdatedAt: time.Now()}))
	require.NoError(t, s.Close())

	out, _, err := execute(t, "history", "--history", history, "--prune", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 finished transfer(s)")

	out, _, err = execute(t, "history", "--history", history)
	require.NoError(t, err)
	assert.Contains(t, out, "new")
	assert.NotContains(t, out, "old")
}

func TestHistory_NotConfigured(t *testing.T) {
	_, _, err := execute(t, "history")
	assert.ErrorIs(t, err, errNoHistory)
}

func TestVerify_Mismatch(t *testing.T) {
	tmp := t.TempDir()
	history := filepath.Join(tmp, "history.db")
	dst := filepath.Join(tmp, "copy.bin")
	writeFile(t, dst, "tampered")

	s, err := store.NewBoltStore(history)
	require.NoError(t, err)
	require.NoError(t, s.SaveJob(&store.JobRecord{
		ID:               "job-1",
		DestinationPath:  dst,
		State:            store.StateCompleted,
		BytesTransferred: 8,
		TotalBytes:       8,
		Checksum:         0xdeadbeef,
	}))
	require.NoError(t, s.SaveJob(&store.JobRecord{ID: "job-2", State: store.StateFailed}))
	require.NoError(t, s.Close())

	_, _, err = execute(t, "verify", "--history", history, "job-1")
	assert.ErrorIs(t, err, engine.ErrChecksumMismatch)

	_, _, err = execute(t, "verify", "--history", history, "job-2")
	assert.ErrorIs(t, err, errNotVerifiable)

	_, _, err = execute(t, "verify", "--history", history, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestProviderCache_Resolve(t *testing.T) {
	cache := newProviderCache(config.S3Config{})
	created := 0
	cache.newS3 = func(ctx context.Context, bucket string) (*provider.S3Provider, error) {
		created++
		return &provider.S3Provider{}, nil
	}

	a, err := cache.resolve(context.Background(), "s3://bucket/photos/2024")
	require.NoError(t, err)
	assert.Equal(t, "photos/2024", a.path)

	b, err := cache.resolve(context.Background(), "s3://bucket/other")
	require.NoError(t, err)
	assert.Same(t, a.provider, b.provider)
	assert.Equal(t, 1, created)

	local, err := cache.resolve(context.Background(), "relative/dir")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(local.path))
	assert.IsType(t, &provider.LocalProvider{}, local.provider)
}
