package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/process"
	"github.com/majorcontext/fdscope/internal/transport"
	"github.com/majorcontext/fdscope/internal/transport/kernel"
)

var (
	probeObject    string
	probePerfPages int
)

var probeCmd = &cobra.Command{
	Use:   "_probe PID",
	Short: "Trace PID and write its events to stdout as JSON lines",
	Long: `Loads the instrumentation, registers PID as the traced root, attaches,
releases PID with SIGUSR1 and writes one JSON event per line until PID
exits or the helper receives SIGTERM. Requires the privileges to load BPF
programs.`,
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeObject, "object", "", "path of the BPF object")
	probeCmd.Flags().IntVar(&probePerfPages, "perf-pages", 0, "per-CPU perf buffer size in pages")
}

func runProbe(cmd *cobra.Command, args []string) error {
	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || pid == 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	log.SetTarget(int(pid))

	kcfg := kernel.Config{ObjectPath: probeObject, PerfPages: probePerfPages}
	if kcfg.ObjectPath == "" {
		exe, err := process.ResolveExecutable()
		if err != nil {
			return err
		}
		kcfg.ObjectPath = cfg.ObjectPath(exe)
	}
	if kcfg.PerfPages == 0 {
		kcfg.PerfPages = cfg.PerfPages
	}

	inst, err := kernel.Open(kcfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	return transport.Serve(ctx, inst, pid, &gate.Signal{PID: int(pid)}, os.Stdout)
}
