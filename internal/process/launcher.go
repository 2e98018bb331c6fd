package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WrapCommand is the hidden subcommand that suspends the target until it is
// released.
const WrapCommand = "_wrap"

// Launcher builds the command that starts the suspension wrapper for
// command. The supervisor adds the handshake pipes as ExtraFiles. The
// supervisor reaps the wrapper with wait4 rather than Cmd.Wait, so the
// standard streams must be nil or *os.File.
type Launcher func(command []string) *exec.Cmd

// SelfLauncher launches the wrapper by re-executing exe. The target shares
// this process's standard streams.
func SelfLauncher(exe string) Launcher {
	return func(command []string) *exec.Cmd {
		args := append([]string{WrapCommand, "--"}, command...)
		cmd := exec.Command(exe, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// ResolveExecutable returns the fdscope binary used for the wrapper and the
// probe helper. FDSCOPE_EXECUTABLE overrides os.Executable. Test binaries are
// rejected since they have no hidden subcommands.
func ResolveExecutable() (string, error) {
	if exe := os.Getenv("FDSCOPE_EXECUTABLE"); exe != "" {
		return exe, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding executable: %w", err)
	}
	if strings.HasSuffix(filepath.Base(exe), ".test") {
		return "", fmt.Errorf(
			"cannot wrap targets from test binary %q; set FDSCOPE_EXECUTABLE to the fdscope binary path", exe)
	}
	return exe, nil
}
