// Package subprocess runs an external classifier program once per request.
//
// The request is written as a single JSON object to the program's stdin; the
// program must print exactly one JSON response object to stdout and exit
// zero. A non-zero exit, a timeout, or malformed output is reported as a
// *classifier.ProtocolError carrying the raw stdout and the tail of stderr.
//
// The reference program is the bundled sequence_infer.py:
//
//	c, err := subprocess.New(subprocess.Config{
//	    Command: "python3",
//	    Args:    []string{"sequence_pipeline/python/sequence_infer.py"},
//	})
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

const providerName = "subprocess"

// Defaults for [Config].
const (
	DefaultWaitDelay  = 2 * time.Second
	DefaultStderrTail = 4096
)

// Config describes the program to run.
type Config struct {
	// Command is the executable. It is resolved with [exec.LookPath] by New.
	Command string

	// Args are passed to Command verbatim.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string

	// WaitDelay bounds how long I/O may linger after the process is killed on
	// context cancellation. Default: 2s.
	WaitDelay time.Duration

	// StderrTail is the number of trailing stderr bytes kept for diagnostics.
	// Default: 4096.
	StderrTail int
}

// Classifier spawns Config.Command for each request.
type Classifier struct {
	cfg    Config
	path   string
	closed atomic.Bool
}

// New validates cfg and resolves the executable.
func New(cfg Config) (*Classifier, error) {
	if cfg.Command == "" {
		return nil, errors.New("subprocess: command is required")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("subprocess: resolve %q: %w", cfg.Command, err)
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = DefaultStderrTail
	}
	return &Classifier{cfg: cfg, path: path}, nil
}

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error) {
	if c.closed.Load() {
		return types.ClassificationResult{}, classifier.ErrClosed
	}
	if err := classifier.ValidateRequest(req); err != nil {
		return types.ClassificationResult{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return types.ClassificationResult{}, fmt.Errorf("subprocess: encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.path, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.WaitDelay = c.cfg.WaitDelay
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := newTailWriter(c.cfg.StderrTail)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	slog.Debug("classifier subprocess finished",
		"command", c.cfg.Command,
		"rows", len(req.Features),
		"duration", time.Since(start),
		"err", runErr,
	)

	perr := &classifier.ProtocolError{
		Provider: providerName,
		ExitCode: -1,
		Output:   stdout.Bytes(),
	}
	if runErr != nil {
		perr.Stderr = stderr.String()
		if cmd.ProcessState != nil {
			perr.ExitCode = cmd.ProcessState.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			perr.Err = ctxErr
		} else {
			perr.Err = runErr
		}
		return types.ClassificationResult{}, perr
	}

	res, err := classifier.DecodeResponse(stdout.Bytes())
	if err != nil {
		perr.ExitCode = 0
		perr.Stderr = stderr.String()
		perr.Err = err
		return types.ClassificationResult{}, perr
	}
	return res, nil
}

// Close marks the classifier closed. No process outlives a Classify call, so
// there is nothing else to release.
func (c *Classifier) Close() error {
	c.closed.Store(true)
	return nil
}

var _ classifier.Classifier = (*Classifier)(nil)
