package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/probe"
)

const (
	// maxLineSize bounds one helper output line. A file event line is about
	// 1.2KB; anything near this size is garbage.
	maxLineSize = 1 << 20

	defaultWaitDelay = 2 * time.Second
)

// Subprocess runs a privileged helper and decodes its stdout. The helper is
// invoked as: Elevate... Path Args... <pid>.
type Subprocess struct {
	Path    string
	Args    []string
	Elevate []string

	// WaitDelay bounds how long the helper may take to exit after SIGTERM
	// before it is killed. Zero means two seconds.
	WaitDelay time.Duration
}

func (s *Subprocess) command(ctx context.Context, pid uint64) *exec.Cmd {
	argv := make([]string, 0, len(s.Elevate)+len(s.Args)+2)
	argv = append(argv, s.Elevate...)
	argv = append(argv, s.Path)
	argv = append(argv, s.Args...)
	argv = append(argv, strconv.FormatUint(pid, 10))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	return cmd
}

// Run starts the helper and forwards each decoded line with a blocking send.
// The helper releases the target itself, so target.Gate is not used. A
// malformed line stops the helper and is returned with the raw line; a
// non-zero exit is returned as ErrHelperFailed with the helper's stderr.
func (s *Subprocess) Run(ctx context.Context, target Target, out chan<- Record) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := s.command(runCtx, target.PID)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating helper stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting probe helper %s: %w", s.Path, err)
	}
	log.Debug("probe helper started",
		"path", s.Path,
		"helper_pid", cmd.Process.Pid,
		"target_pid", target.PID)

	// A helper that ignores SIGTERM is killed after WaitDelay, but a child it
	// left behind may still hold the pipe open. Stop reading at that point.
	unblock := context.AfterFunc(runCtx, func() {
		time.AfterFunc(cmd.WaitDelay, func() { stdout.Close() })
	})
	defer unblock()

	readErr := s.forward(runCtx, stdout, out)
	if readErr != nil {
		// SIGTERM now, SIGKILL after WaitDelay.
		cancel()
	}
	// Closing the read end makes further helper writes fail instead of
	// blocking on a full pipe.
	stdout.Close()
	waitErr := cmd.Wait()

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		log.Debug("probe helper stderr", "output", msg)
	}

	switch {
	case ctx.Err() != nil:
		return nil
	case readErr != nil:
		return readErr
	case waitErr != nil:
		return fmt.Errorf("%w: %v: %s", ErrHelperFailed, waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *Subprocess) forward(ctx context.Context, r io.Reader, out chan<- Record) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return fmt.Errorf("malformed helper line %q: %w", line, err)
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading helper output: %w", err)
	}
	return nil
}

func parseRecord(line []byte) (Record, error) {
	ev, err := probe.ParseLine(line)
	if err != nil {
		return Record{}, err
	}
	if ev.IsFile() {
		fe, err := ev.FileEvent()
		if err != nil {
			return Record{}, err
		}
		return Record{File: &fe}, nil
	}
	pe, err := ev.ProcessEvent()
	if err != nil {
		return Record{}, err
	}
	return Record{Process: &pe}, nil
}
