// Package runner owns the lifetime of one external worker process per
// invocation: it writes the job payload to stdin, parses stdout for progress
// markers, captures stderr, and enforces a hard wall-clock timeout.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"extractd/internal/apperrors"
)

// Invocation describes one worker run.
type Invocation struct {
	JobID string
	Input any      // JSON payload written to stdin, then stdin is closed
	Env   []string // extra KEY=value entries appended to the environment

	// OnProgress is called when a marker changes percent/step/records.
	OnProgress func(percent int, step string, records int)
	// OnLog receives every output line; stream is "stdout" or "stderr".
	OnLog func(stream, line string)
}

// Result is a successful worker outcome.
type Result struct {
	Output         string          // retained stdout (truncated at MaxOutput)
	Summary        json.RawMessage // trailing JSON summary line, nil if absent
	RecordCount    int             // RecordCountUnknown when not reported
	ProcessingTime time.Duration
}

// Runner launches worker processes. Safe for concurrent use; each Invoke
// owns exactly one child process.
type Runner struct {
	cfg Config
}

// New creates a runner with the given configuration.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// WorkerPath returns the worker executable, for readiness probes.
func (r *Runner) WorkerPath() string {
	return r.cfg.Command[0]
}

// Invoke runs the worker once. Exactly one terminal outcome is reported per
// invocation: a Result on exit 0, or one of apperrors.ErrLaunch,
// apperrors.ErrTimeout, apperrors.ErrProcess. A ctx cancellation from the
// caller (job cancelled) surfaces as ctx.Err().
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	logger := slog.With("jobId", inv.JobID, "worker", r.cfg.Command[0])

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Env = append(cmd.Env, "EXTRACT_JOB_ID="+inv.JobID)
	// Cooperative shutdown: SIGTERM on cancel/timeout, SIGKILL after grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Launch(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Launch(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Launch(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Launch(err)
	}
	logger.Debug("Worker started", "pid", cmd.Process.Pid)

	// Single structured payload, then close the input stream.
	if err := writeInput(stdin, inv.Input); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, apperrors.Launch(err)
	}

	parser := NewParser(r.cfg.TotalSteps)
	var (
		outBuf, errBuf strings.Builder
		mu             sync.Mutex
		wg             sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		r.scanLines(stdout, func(line string) {
			mu.Lock()
			appendLimited(&outBuf, line, r.cfg.MaxOutput)
			info := parser.Parse(line)
			mu.Unlock()

			if inv.OnLog != nil {
				inv.OnLog("stdout", line)
			}
			if info.Progress && inv.OnProgress != nil {
				inv.OnProgress(info.Percent, info.Step, info.Records)
			}
		})
	}()
	go func() {
		defer wg.Done()
		r.scanLines(stderr, func(line string) {
			mu.Lock()
			appendLimited(&errBuf, line, r.cfg.MaxOutput)
			mu.Unlock()

			if inv.OnLog != nil {
				inv.OnLog("stderr", line)
			}
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	mu.Lock()
	capturedErr := strings.TrimSpace(errBuf.String())
	capturedOut := outBuf.String()
	mu.Unlock()

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		logger.Warn("Worker timed out", "timeout", r.cfg.Timeout, "elapsed", elapsed)
		return nil, apperrors.Timeout(int(r.cfg.Timeout / time.Second))

	case ctx.Err() != nil:
		// Cancelled from outside; the caller already decided the job's fate.
		logger.Info("Worker terminated by cancellation", "elapsed", elapsed)
		return nil, ctx.Err()

	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Warn("Worker failed", "exitCode", exitCode, "elapsed", elapsed)
		return nil, apperrors.Process(exitCode, capturedErr)
	}

	logger.Info("Worker completed", "elapsed", elapsed, "recordCount", parser.RecordCount())
	return &Result{
		Output:         capturedOut,
		Summary:        parser.Summary(),
		RecordCount:    parser.RecordCount(),
		ProcessingTime: elapsed,
	}, nil
}

func writeInput(stdin io.WriteCloser, input any) error {
	defer stdin.Close()
	if input == nil {
		return nil
	}
	if err := json.NewEncoder(stdin).Encode(input); err != nil {
		return err
	}
	return nil
}

// scanLines reads r line by line, treating both \n and \r as terminators so
// carriage-return progress redraws still parse.
func (r *Runner) scanLines(reader io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string, maxKeep int) {
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
