// pkg/reporting/reporting.go - run summary written next to the run's logs

package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/autopackager/pkg/logging"
)

// Pass names the stage a record belongs to.
type Pass string

const (
	PassPackage Pass = "package"
	PassUpload  Pass = "upload"
)

// Record is one application's result for one pass.
type Record struct {
	App     string `json:"app" yaml:"app"`
	Pass    Pass   `json:"pass" yaml:"pass"`
	Status  string `json:"status" yaml:"status"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"` // archive path or entry id
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
	Failed  bool   `json:"failed" yaml:"failed"`
}

// Summary aggregates a run. An application is failed if any of its records
// failed; skips count as succeeded.
type Summary struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Command   string    `json:"command" yaml:"command"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Duration  int64     `json:"duration_seconds" yaml:"duration_seconds"`
	Succeeded []string  `json:"succeeded" yaml:"succeeded"`
	Failed    []string  `json:"failed" yaml:"failed"`
	Records   []Record  `json:"records" yaml:"records"`
	Aborted   string    `json:"aborted,omitempty" yaml:"aborted,omitempty"`
}

// NewSummary starts a summary for command.
func NewSummary(command string) *Summary {
	return &Summary{
		SessionID: logging.GetSessionID(),
		Command:   command,
		StartTime: time.Now(),
		Succeeded: []string{},
		Failed:    []string{},
	}
}

// Add appends a record and updates the succeeded/failed lists.
func (s *Summary) Add(r Record) {
	s.Records = append(s.Records, r)
	if r.Failed {
		s.Succeeded = remove(s.Succeeded, r.App)
		if !contains(s.Failed, r.App) {
			s.Failed = append(s.Failed, r.App)
		}
		return
	}
	if !contains(s.Failed, r.App) && !contains(s.Succeeded, r.App) {
		s.Succeeded = append(s.Succeeded, r.App)
	}
}

// Abort records a fatal error that stopped the run.
func (s *Summary) Abort(err error) {
	if err != nil {
		s.Aborted = err.Error()
	}
}

// Finish stamps the end time.
func (s *Summary) Finish() {
	s.EndTime = time.Now()
	s.Duration = int64(s.EndTime.Sub(s.StartTime).Seconds())
	sort.Strings(s.Succeeded)
	sort.Strings(s.Failed)
}

// HasFailures reports whether any application failed.
func (s *Summary) HasFailures() bool {
	return len(s.Failed) > 0
}

// Write saves summary.json and summary.yaml into dir. An empty dir means the
// current run log directory; if there is none the summary is not written.
func Write(dir string, s *Summary) error {
	if dir == "" {
		dir = logging.GetCurrentLogDir()
	}
	if dir == "" {
		logging.Debug("No run directory, summary not written")
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	data, err = yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	logging.Debug("Summary written", "dir", dir)
	return nil
}

// Print writes a human readable table of the records.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\n%-24s %-8s %-16s %-18s %s\n", "APP", "PASS", "STATUS", "VERSION", "NOTE")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range s.Records {
		note := r.Reason
		if r.Error != "" {
			note = r.Error
		} else if note == "" {
			note = r.Detail
		}
		fmt.Fprintf(w, "%-24s %-8s %-16s %-18s %s\n", r.App, r.Pass, r.Status, r.Version, note)
	}
	fmt.Fprintf(w, "\nSucceeded: %d  Failed: %d", len(s.Succeeded), len(s.Failed))
	if len(s.Failed) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(s.Failed, ", "))
	}
	fmt.Fprintln(w)
	if s.Aborted != "" {
		fmt.Fprintf(w, "Run aborted: %s\n", s.Aborted)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
