package inventory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tastythames/ssh-fleet/internal/scheduler"
)

type jobsFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

type JobSpec struct {
	ID            string                       `yaml:"id"`
	Command       string                       `yaml:"command"`
	RequiredFiles []scheduler.TransferableFile `yaml:"required_files"`
	ReturnFiles   []scheduler.TransferableFile `yaml:"return_files"`
	Payload       any                          `yaml:"payload"`
}

// LoadJobs reads a jobs file. Relative local paths are resolved against the
// file's directory; a missing remote path defaults to the local base name.
func LoadJobs(path string) ([]scheduler.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	base := filepath.Dir(path)
	jobs := make([]scheduler.Job, 0, len(f.Jobs))
	for i, s := range f.Jobs {
		if s.Command == "" {
			return nil, fmt.Errorf("jobs %s: job %d has no command", path, i)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("job%d", i)
		}
		jobs = append(jobs, scheduler.Job{
			ID:            s.ID,
			Command:       s.Command,
			RequiredFiles: resolveFiles(base, s.RequiredFiles),
			ReturnFiles:   resolveFiles(base, s.ReturnFiles),
			Payload:       s.Payload,
		})
	}
	return jobs, nil
}

func resolveFiles(base string, files []scheduler.TransferableFile) []scheduler.TransferableFile {
	out := make([]scheduler.TransferableFile, len(files))
	for i, f := range files {
		f.LocalPath = resolveLocal(base, f.LocalPath)
		if f.RemotePath == "" {
			f.RemotePath = filepath.Base(f.LocalPath)
		}
		out[i] = f
	}
	return out
}

// Result is one line of the results file.
type Result struct {
	ID       string `yaml:"id"`
	ExitCode int    `yaml:"exit_code"`
	Attempts int    `yaml:"attempts,omitempty"`
	Elapsed  string `yaml:"elapsed"`
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`
	Payload  any    `yaml:"payload,omitempty"`
}

type Summary struct {
	Succeeded  int    `yaml:"succeeded"`
	Failed     int    `yaml:"failed"`
	Passes     int    `yaml:"passes"`
	AvgElapsed string `yaml:"avg_elapsed"`
	MaxElapsed string `yaml:"max_elapsed"`
}

type resultsFile struct {
	Summary Summary  `yaml:"summary"`
	Results []Result `yaml:"results"`
}

// WriteResults encodes report as YAML, one entry per job in submission order.
func WriteResults(w io.Writer, report *scheduler.Report) error {
	out := resultsFile{
		Summary: Summary{
			Succeeded:  report.Succeeded,
			Failed:     report.Failed,
			Passes:     report.Passes,
			AvgElapsed: report.AvgElapsed.Round(time.Millisecond).String(),
			MaxElapsed: report.MaxElapsed.Round(time.Millisecond).String(),
		},
		Results: make([]Result, len(report.Results)),
	}
	for i, r := range report.Results {
		out.Results[i] = Result{
			ID:       r.JobID,
			ExitCode: r.ExitCode,
			Attempts: r.Attempts,
			Elapsed:  r.Elapsed.Round(time.Millisecond).String(),
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Payload:  r.Payload,
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return enc.Close()
}
