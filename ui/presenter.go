package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/schollz/progressbar/v3"

	"github.com/franksops/gocopy/engine"
)

var (
	_ engine.Presenter = (*TUIPresenter)(nil)
	_ engine.Presenter = (*PlainPresenter)(nil)
)

// reportLog keeps every end-of-batch report so the CLI can print a summary
// after the presentation surface is gone.
type reportLog struct {
	mu      sync.Mutex
	reports []engine.Report
}

func (l *reportLog) add(r engine.Report) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

// Reports returns the reports received so far.
func (l *reportLog) Reports() []engine.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Report(nil), l.reports...)
}

// Sender delivers messages to a running bubbletea program. *tea.Program
// implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// TUIPresenter forwards coordinator updates to a bubbletea program.
type TUIPresenter struct {
	reportLog
	program Sender
	now     func() time.Time
}

// NewTUIPresenter creates a presenter for program. The program must already
// be running, since Send blocks until it is.
func NewTUIPresenter(program Sender) *TUIPresenter {
	return &TUIPresenter{program: program, now: time.Now}
}

func (p *TUIPresenter) Show() { p.program.Send(VisibilityMsg(true)) }
func (p *TUIPresenter) Hide() { p.program.Send(VisibilityMsg(false)) }

func (p *TUIPresenter) Refresh(s engine.Status) {
	p.program.Send(StatusMsg{Status: s, At: p.now()})
}

func (p *TUIPresenter) BatchComplete(r engine.Report) {
	p.add(r)
	p.program.Send(ReportMsg(r))
}

// PlainPresenter draws a single progress bar on a plain terminal or log
// stream. The bar tracks the combined percentage.
type PlainPresenter struct {
	reportLog
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewPlainPresenter writes its bar and reports to out.
func NewPlainPresenter(out io.Writer) *PlainPresenter {
	return &PlainPresenter{out: out}
}

func (p *PlainPresenter) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar = progressbar.NewOptions(100,
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (p *PlainPresenter) Refresh(s engine.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	p.bar.Describe(Describe(s))
	_ = p.bar.Set(int(s.Percent))
}

func (p *PlainPresenter) Hide() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}

func (p *PlainPresenter) BatchComplete(r engine.Report) {
	p.add(r)
}

// Describe renders the remaining-work line shown next to the progress bar.
func Describe(s engine.Status) string {
	files := "files"
	if s.FilesRemaining == 1 {
		files = "file"
	}
	return fmt.Sprintf("%d %s remaining (%s)", s.FilesRemaining, files, FormatBytes(s.BytesRemaining))
}

// WriteReports prints duplicates and failures from every report to w and
// returns the number of failures.
func WriteReports(w io.Writer, reports []engine.Report) int {
	failures := 0
	for _, r := range reports {
		for _, d := range r.Duplicates {
			fmt.Fprintf(w, "skipped (already exists): %s\n", d)
		}
		for _, f := range r.Failures {
			failures++
			fmt.Fprintf(w, "failed: %s -> %s: %v\n", f.Source, f.Destination, f.Err)
		}
	}
	return failures
}
