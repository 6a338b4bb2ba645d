package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Progress represents FFmpeg progress as reported on -progress pipe:1
type Progress struct {
	Frame   int64
	OutTime time.Duration
	Speed   float64
	Done    bool
}

// ProgressCallback is called with progress updates
type ProgressCallback func(Progress)

// ExitError is returned when the engine exits unsuccessfully.
// Stderr holds the engine diagnostics verbatim.
type ExitError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("ffmpeg timed out: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes FFmpeg commands
type Runner struct {
	binaryPath string
	timeout    time.Duration
}

// NewRunner creates a new runner
func NewRunner(binaryPath string, timeout time.Duration) *Runner {
	return &Runner{
		binaryPath: binaryPath,
		timeout:    timeout,
	}
}

// Run executes the engine and blocks until the process exits.
// Cancellation of ctx does not stop a launched process; only the runner timeout does.
func (r *Runner) Run(ctx context.Context, args []string, progressFn ProgressCallback) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &ExitError{ExitCode: -1, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	// The pipe must be drained before Wait
	scanner := bufio.NewScanner(stdout)
	progress := Progress{}
	for scanner.Scan() {
		if parseProgressLine(scanner.Text(), &progress) && progressFn != nil {
			progressFn(progress)
		}
	}

	err = cmd.Wait()
	if err == nil {
		return nil
	}

	exitErr := &ExitError{ExitCode: -1, Stderr: stderr.String(), Err: err}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.ExitCode = ee.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		exitErr.TimedOut = true
	}
	return exitErr
}

// parseProgressLine applies one key=value line of -progress output
func parseProgressLine(line string, progress *Progress) bool {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		progress.Frame = v
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		progress.OutTime = time.Duration(v) * time.Microsecond
	case "speed":
		v, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		if err != nil {
			return false
		}
		progress.Speed = v
	case "progress":
		progress.Done = value == "end"
		return true
	default:
		return false
	}
	return false
}

// ValidateOutput validates FFmpeg output file
func ValidateOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file not found: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output file is empty")
	}
	return nil
}
