package examprep

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunLog is the per-run audit file: every model exchange, block outcome and
// dedup decision of one ingestion run. A nil *RunLog discards everything.
type RunLog struct {
	file  *os.File
	mu    sync.Mutex
	runID string
	dir   string
}

// NewRunLog creates <dir>/<runID>.log and writes the run header.
func NewRunLog(dir, runID string, exam ExamID, cfg CategoryConfig) (*RunLog, error) {
	if dir == "" {
		dir = "log"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s.log", runID))
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	rl := &RunLog{file: file, runID: runID, dir: dir}
	rl.Logf("=== Ingestion Run Log ===\n")
	rl.Logf("Run ID: %s\n", runID)
	rl.Logf("Exam: %s\n", exam)
	rl.Logf("Category: %s\n", cfg.Name)
	rl.Logf("Provider: %s (%s)\n", cfg.Provider, cfg.Model)
	rl.Logf("Batch size: %d, concurrency: %d, rps: %g\n", cfg.MaxBatchSize, cfg.Concurrency, cfg.RequestsPerSecond)
	rl.Logf("Started: %s\n", time.Now().Format(time.RFC3339))
	rl.Logf("=========================\n\n")
	return rl, nil
}

// Path is the log file location.
func (rl *RunLog) Path() string {
	if rl == nil {
		return ""
	}
	return rl.file.Name()
}

// Logf writes a timestamped entry and syncs it to disk.
func (rl *RunLog) Logf(format string, args ...interface{}) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.writeLocked(format, args...)
}

func (rl *RunLog) writeLocked(format string, args ...interface{}) {
	if rl.file == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(rl.file, "[%s] %s", timestamp, fmt.Sprintf(format, args...))
	rl.file.Sync()
}

func (rl *RunLog) LogLLMRequest(blocks, prompt string) {
	rl.Logf("=== MODEL REQUEST (blocks %s) ===\n", blocks)
	rl.Logf("Prompt:\n%s\n", prompt)
	rl.Logf("=====================\n\n")
}

func (rl *RunLog) LogLLMResponse(blocks, response string) {
	rl.Logf("=== MODEL RESPONSE (blocks %s) ===\n", blocks)
	rl.Logf("Response:\n%s\n", response)
	rl.Logf("======================\n\n")
}

// LogOutcome records whether a validated item was accepted or rejected.
func (rl *RunLog) LogOutcome(o Outcome) {
	if o.Record != nil {
		flags := ""
		if len(o.Record.Flags) > 0 {
			flags = fmt.Sprintf(" flags=%v", o.Record.Flags)
		}
		rl.Logf("Question %s: ACCEPTED [%d-%d]%s\n", o.Record.ID(), o.Record.BlockStart, o.Record.BlockEnd, flags)
		return
	}
	r := o.Rejection
	rl.Logf("Block [%d-%d] q%d: REJECTED %s - %s\n", r.BlockStart, r.BlockEnd, r.Number, r.Reason, r.Detail)
}

func (rl *RunLog) LogDedupResult(d DedupDecision) {
	if d.Replaced {
		rl.Logf("Question %d: DUPLICATE, block %d replaced block %d\n", d.Number, d.Kept.BlockStart, d.Dropped.BlockStart)
	} else {
		rl.Logf("Question %d: DUPLICATE, block %d kept over block %d\n", d.Number, d.Kept.BlockStart, d.Dropped.BlockStart)
	}
}

// WriteReport writes the report as JSON next to the log file and returns its path.
func (rl *RunLog) WriteReport(report *ValidationReport) (string, error) {
	if rl == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	path := filepath.Join(rl.dir, fmt.Sprintf("%s.report.json", rl.runID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	rl.Logf("Report written to %s: %s\n", path, report.Summary())
	return path, nil
}

// Close writes the footer and closes the file.
func (rl *RunLog) Close() error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return nil
	}
	rl.writeLocked("=== Ingestion Complete ===\n")
	rl.writeLocked("Completed: %s\n", time.Now().Format(time.RFC3339))
	err := rl.file.Close()
	rl.file = nil
	return err
}
