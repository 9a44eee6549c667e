package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/target"
)

// DefaultDuplicateExitCode is the exit code the upload tool uses to signal
// "file already exists on the server". Pinned in config so a tool upgrade
// that changes it cannot silently turn duplicates into failures.
const DefaultDuplicateExitCode = 4

// ToolUploader runs an external upload command per file, supervised by the
// progress watchdog. Deployments behind an authenticating proxy use the
// vendor's CLI instead of the direct API, and the CLI occasionally wedges,
// so every run is monitored.
type ToolUploader struct {
	// Command is the upload tool binary.
	Command string

	// BuildArgs produces the argument list for one request.
	BuildArgs func(req target.UploadRequest) []string

	// DuplicateExitCode is the tool's "already exists" exit code.
	DuplicateExitCode int

	SampleInterval time.Duration
	StallTimeout   time.Duration
	HardCeiling    time.Duration
}

// NewToolUploader creates a ToolUploader with default watchdog timings.
func NewToolUploader(command string, buildArgs func(target.UploadRequest) []string) *ToolUploader {
	return &ToolUploader{
		Command:           command,
		BuildArgs:         buildArgs,
		DuplicateExitCode: DefaultDuplicateExitCode,
		SampleInterval:    DefaultSampleInterval,
		StallTimeout:      DefaultStallTimeout,
		HardCeiling:       DefaultHardCeiling,
	}
}

// countingWriter tallies bytes for the watchdog while keeping a bounded tail
// for diagnostics.
type countingWriter struct {
	n    *atomic.Int64
	tail bytes.Buffer
}

const outputTailCap = 8 * 1024

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n.Add(int64(len(p)))
	if c.tail.Len()+len(p) > outputTailCap {
		keep := outputTailCap / 2
		if c.tail.Len() > keep {
			tail := c.tail.Bytes()
			rest := make([]byte, keep)
			copy(rest, tail[c.tail.Len()-keep:])
			c.tail.Reset()
			c.tail.Write(rest)
		}
	}
	c.tail.Write(p)
	return len(p), nil
}

// Upload runs the tool once for req and classifies its exit.
func (t *ToolUploader) Upload(ctx context.Context, req target.UploadRequest) Outcome {
	args := t.BuildArgs(req)
	cmd := exec.CommandContext(ctx, t.Command, args...)

	var outBytes atomic.Int64
	out := &countingWriter{n: &outBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Permanent(fmt.Sprintf("upload tool failed to start: %v", err))
	}

	wd := &watchdog{
		cmd:            cmd,
		outBytes:       &outBytes,
		sampleInterval: t.SampleInterval,
		stallTimeout:   t.StallTimeout,
		hardCeiling:    t.HardCeiling,
	}
	done := make(chan struct{})
	go wd.run(ctx, done)

	err := cmd.Wait()
	close(done)

	logger.DebugCtx(ctx, "upload tool finished",
		logger.Path(req.FilePath),
		logger.DurationMs(logger.Duration(start)))

	if wd.stuck.Load() {
		return Transient("stuck")
	}
	if err == nil {
		return Outcome{Kind: NewUploaded}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return t.classifyExit(exitErr.ExitCode(), out.tail.String())
	}
	if ctx.Err() != nil {
		return Transient("canceled: " + ctx.Err().Error())
	}
	return Transient(err.Error())
}

func (t *ToolUploader) classifyExit(code int, output string) Outcome {
	if code == t.DuplicateExitCode {
		return Outcome{Kind: AlreadyPresent, Reason: "tool exit code"}
	}
	if strings.Contains(strings.ToLower(output), "already exists") {
		return Outcome{Kind: AlreadyPresent, Reason: "tool output"}
	}

	reason := fmt.Sprintf("upload tool exit %d", code)
	if tail := lastLine(output); tail != "" {
		reason += ": " + tail
	}

	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "validation"),
		strings.Contains(lower, "too large"),
		strings.Contains(lower, "unsupported format"):
		return Permanent(reason)
	default:
		return Transient(reason)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
