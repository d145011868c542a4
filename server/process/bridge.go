package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrEmptyCommand = errors.New("empty command")

// Command is a program and its arguments.
type Command struct {
	Program string
	Args    []string
}

// ParseCommand splits a command line on whitespace. There is no quoting support.
func ParseCommand(s string) (Command, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{Program: fields[0], Args: fields[1:]}, nil
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Bridge spawns commands and forwards their stderr to Stderr.
type Bridge struct {
	Log *zap.SugaredLogger

	// Stderr receives every chunk read from a command's stderr.
	Stderr io.Writer

	// Stdin and Stdout are passed to commands as-is. If nil, os.Stdin and os.Stdout are used.
	// A Stdin that is not an *os.File is copied from by a goroutine per command,
	// so such a reader must not be shared by commands that run at the same time.
	Stdin  io.Reader
	Stdout io.Writer
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

// Process is a running command.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	res  Result
	err  error
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and for its stderr to be fully forwarded.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		res := p.res
		return &res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start spawns the command. It does not retry, and a start error (e.g. program not found) is returned to the caller.
func (b *Bridge) Start(c Command) (*Process, error) {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Stdin = b.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = b.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = b.Stderr

	startTime := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", c, err)
	}
	log := b.Log.With("Command", c.String(), "PID", cmd.Process.Pid)
	log.Debug("process started")

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		// Wait also waits for the stderr copy to finish, so every chunk has been written by the time it returns
		err := cmd.Wait()
		p.res = Result{
			ExitCode: cmd.ProcessState.ExitCode(),
			TimeMS:   time.Since(startTime).Milliseconds(),
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			log.Debugf("unexpected exit error: %s", err)
			p.err = err
		}
		log.Debugf("process exited with code %d", p.res.ExitCode)
	}()
	return p, nil
}
