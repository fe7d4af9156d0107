package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const tailLines = 5

// Runner executes a build command through sh -c.
type Runner struct {
	// Timeout bounds the command. Zero means no limit beyond the caller's ctx.
	Timeout time.Duration

	// Env is appended to the worker's own environment.
	Env []string

	// OnLine receives every line of combined stdout and stderr.
	OnLine func(line string)
}

// Run executes command in dir and waits for it. On a non-zero exit the
// returned error carries the last lines of output.
func (r *Runner) Run(ctx context.Context, command, dir string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			tail = append(tail, line)
			if len(tail) > tailLines {
				tail = tail[1:]
			}
			if r.OnLine != nil {
				r.OnLine(line)
			}
		}
		// Drain anything left after an over-long line so the command never blocks.
		_, _ = io.Copy(io.Discard, pr)
	}()

	runErr := cmd.Run()
	pw.Close()
	wg.Wait()

	if runErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("build timed out after %s", r.Timeout)
	}
	if len(tail) > 0 {
		return fmt.Errorf("build command failed: %w: %s", runErr, strings.Join(tail, " | "))
	}
	return fmt.Errorf("build command failed: %w", runErr)
}
