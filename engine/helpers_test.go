package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gocopy/provider"
)

const mib = 1 << 20

// eventLog collects events from any goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range l.all() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// progress returns the percentages reported for jobID, in order.
func (l *eventLog) progress(jobID string) []float64 {
	var pcts []float64
	for _, ev := range l.all() {
		if ev.Kind == EventProgress && ev.JobID == jobID {
			pcts = append(pcts, ev.Percent)
		}
	}
	return pcts
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func requireMonotonic(t *testing.T, pcts []float64) {
	t.Helper()
	for i := 1; i < len(pcts); i++ {
		require.GreaterOrEqualf(t, pcts[i], pcts[i-1], "progress went backwards at %d: %v", i, pcts)
	}
	for _, p := range pcts {
		require.LessOrEqual(t, p, 100.0)
	}
}

// pattern returns n bytes of deterministic, non-repeating-per-chunk content.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func writeMemFile(t *testing.T, p *provider.BillyProvider, name string, data []byte) {
	t.Helper()
	require.NoError(t, p.Filesystem().MkdirAll(path.Dir(name), 0755))
	require.NoError(t, util.WriteFile(p.Filesystem(), name, data, 0644))
}

func readMemFile(t *testing.T, p *provider.BillyProvider, name string) []byte {
	t.Helper()
	data, err := util.ReadFile(p.Filesystem(), name)
	require.NoError(t, err)
	return data
}

func memExists(t *testing.T, p *provider.BillyProvider, name string) bool {
	t.Helper()
	ok, err := provider.Exists(context.Background(), p, name)
	require.NoError(t, err)
	return ok
}

// syntheticSource serves generated files without holding them in memory.
// A file with a gate stops returning data at that offset until released.
type syntheticSource struct {
	mu    sync.Mutex
	files map[string]*syntheticFile
}

type syntheticFile struct {
	size    int64
	gate    int64
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSyntheticSource() *syntheticSource {
	return &syntheticSource{files: make(map[string]*syntheticFile)}
}

// add registers a file of size bytes. A gate of 0 means no gate.
func (s *syntheticSource) add(name string, size, gate int64) *syntheticFile {
	f := &syntheticFile{
		size:    size,
		gate:    gate,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.mu.Lock()
	s.files[name] = f
	s.mu.Unlock()
	return f
}

func (f *syntheticFile) open() {
	f.once.Do(func() { close(f.release) })
}

func (s *syntheticSource) file(name string) (*syntheticFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	return f, ok
}

func (s *syntheticSource) Stat(ctx context.Context, p string) (provider.FileInfo, error) {
	f, ok := s.file(p)
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", p, fs.ErrNotExist)
	}
	return provider.Info{FileName: path.Base(p), FileSize: f.size}, nil
}

func (s *syntheticSource) List(ctx context.Context, p string) ([]provider.FileInfo, error) {
	return nil, errors.New("not implemented")
}

func (s *syntheticSource) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	f, ok := s.file(p)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	return &gatedReader{f: f}, nil
}

func (s *syntheticSource) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	return nil, errors.New("read only")
}

func (s *syntheticSource) Remove(ctx context.Context, p string) error {
	return errors.New("read only")
}

func (s *syntheticSource) Mkdir(ctx context.Context, p string) error {
	return errors.New("read only")
}

func (s *syntheticSource) Join(elem ...string) string {
	return path.Join(elem...)
}

type gatedReader struct {
	f   *syntheticFile
	pos int64
}

func (r *gatedReader) Read(p []byte) (int, error) {
	if r.f.gate > 0 && r.pos == r.f.gate {
		close(r.f.reached)
		<-r.f.release
		r.f.gate = 0
	}
	if r.pos >= r.f.size {
		return 0, io.EOF
	}

	limit := r.f.size
	if r.f.gate > 0 && r.pos < r.f.gate {
		limit = r.f.gate
	}
	n := int64(len(p))
	if n > limit-r.pos {
		n = limit - r.pos
	}
	for i := int64(0); i < n; i++ {
		p[i] = byte((r.pos + i) % 251)
	}
	r.pos += n
	return int(n), nil
}

func (r *gatedReader) Close() error { return nil }

// recordingPresenter captures what the coordinator pushes to it.
type recordingPresenter struct {
	mu        sync.Mutex
	shown     int
	hidden    int
	statuses  []Status
	reports   []Report
	completed chan Report
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{completed: make(chan Report, 16)}
}

func (p *recordingPresenter) Show() {
	p.mu.Lock()
	p.shown++
	p.mu.Unlock()
}

func (p *recordingPresenter) Hide() {
	p.mu.Lock()
	p.hidden++
	p.mu.Unlock()
}

func (p *recordingPresenter) Refresh(s Status) {
	p.mu.Lock()
	p.statuses = append(p.statuses, s)
	p.mu.Unlock()
}

func (p *recordingPresenter) BatchComplete(r Report) {
	p.mu.Lock()
	p.reports = append(p.reports, r)
	p.mu.Unlock()
	p.completed <- r
}

func (p *recordingPresenter) snapshot() (shown, hidden int, statuses []Status, reports []Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown, p.hidden, append([]Status(nil), p.statuses...), append([]Report(nil), p.reports...)
}
