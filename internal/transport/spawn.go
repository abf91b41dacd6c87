// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package transport

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/samber/oops"
)

// terminateGrace is how long a spawned process gets between SIGTERM and
// SIGKILL when its controller shuts down.
const terminateGrace = 5 * time.Second

// SpawnController launches a plugin as a child process and serves exactly
// one connection over its stdin/stdout pipes. Run returns once the process
// has exited and the connect callback has returned.
type SpawnController struct {
	command string
	args    []string
	dir     string
	env     []string
	stderr  io.Writer
}

// NewSpawnController builds a controller for the given command line. The
// extra env entries are appended to the parent environment. The child's
// stderr is passed through to the runtime's stderr.
func NewSpawnController(command string, args []string, dir string, env []string) *SpawnController {
	return &SpawnController{
		command: command,
		args:    args,
		dir:     dir,
		env:     env,
		stderr:  os.Stderr,
	}
}

// SetStderr redirects the child's stderr, mainly for tests.
func (c *SpawnController) SetStderr(w io.Writer) { c.stderr = w }

// Run starts the process, hands its pipes to connect, and reaps the child.
func (c *SpawnController) Run(ctx context.Context, connect ConnectFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, c.args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stderr = c.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	// Plain os.Pipes instead of StdinPipe/StdoutPipe: Wait must not race
	// the serving goroutine for the read end of stdout.
	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return oops.Code("SPAWN_FAILED").Wrap(err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		closeAll(stdinRead, stdinWrite)
		return oops.Code("SPAWN_FAILED").Wrap(err)
	}
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite

	if err := cmd.Start(); err != nil {
		closeAll(stdinRead, stdinWrite, stdoutRead, stdoutWrite)
		return oops.Code("SPAWN_FAILED").With("command", c.command).Wrapf(err, "starting plugin process")
	}
	// Child holds its own copies of these ends now.
	closeAll(stdinRead, stdoutWrite)

	slog.Debug("plugin process started", "command", c.command, "pid", cmd.Process.Pid)

	conn := NewIOConn(stdoutRead, stdinWrite, stdinWrite, stdoutRead)

	served := make(chan struct{})
	go func() {
		defer close(served)
		connect(runCtx, conn)
		cancel()
	}()

	waitErr := cmd.Wait()
	_ = conn.Close()
	<-served

	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return oops.Code("PLUGIN_PROCESS_EXITED").With("command", c.command).Wrap(waitErr)
	}
	return nil
}

func closeAll(closers ...io.Closer) {
	for _, closer := range closers {
		_ = closer.Close()
	}
}
