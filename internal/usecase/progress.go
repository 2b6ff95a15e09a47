package usecase

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/naka-gawa/contriboo/internal/domain"
)

// Progress identifies a repository within one counting run.
type Progress struct {
	Index    int
	Total    int
	FullName string
}

// Reporter receives one notification when a repository starts and one when it finishes.
// Calls may arrive from several goroutines when concurrency is above 1.
type Reporter interface {
	CloneStarted(p Progress)
	RepositoryDone(p Progress, result domain.RepositoryCommitCount)
}

// LineReporter writes one line per event.
type LineReporter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLineReporter creates a LineReporter writing to out.
func NewLineReporter(out io.Writer) *LineReporter {
	return &LineReporter{out: out}
}

func (r *LineReporter) CloneStarted(p Progress) {
	r.printf("[%d/%d] cloning %s ...\n", p.Index, p.Total, p.FullName)
}

func (r *LineReporter) RepositoryDone(p Progress, result domain.RepositoryCommitCount) {
	if result.Status == domain.StatusOK {
		r.printf("[%d/%d] %s: %s\n", p.Index, p.Total, p.FullName, color.GreenString("+%d", result.CommitCount))
		return
	}
	r.printf("[%d/%d] skip %s: %s\n", p.Index, p.Total, p.FullName, color.YellowString("%s", result.Error))
}

func (r *LineReporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

type nopReporter struct{}

func (nopReporter) CloneStarted(Progress)                                 {}
func (nopReporter) RepositoryDone(Progress, domain.RepositoryCommitCount) {}
