package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/fdscope/internal/api"
	"github.com/majorcontext/fdscope/internal/config"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/process"
	"github.com/majorcontext/fdscope/internal/storage"
	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/transport"
	"github.com/majorcontext/fdscope/internal/transport/kernel"
	"github.com/majorcontext/fdscope/internal/ui"
)

var runFlags struct {
	transport    string
	listen       string
	record       string
	output       string
	object       string
	helper       string
	serverFilter bool
	quiet        bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command and trace the files it opens",
	Long: `Run a command under fdscope. The command is suspended until the
instrumentation is attached, so no open is missed, then every open and
close of the command and its children is printed as it happens.

Examples:
  fdscope run -- make -j8
  fdscope run --listen 127.0.0.1:7777 -- ./server
  fdscope run --record build.db --quiet -- go build ./...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().StringVar(&runFlags.transport, "transport", "", "event transport: local or subprocess (default from config)")
	runCmd.Flags().StringVar(&runFlags.listen, "listen", "", "serve open files and metrics over HTTP on this address")
	runCmd.Flags().StringVar(&runFlags.record, "record", "", "record the trace to this database file")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "", "write events to this file instead of stdout")
	runCmd.Flags().StringVar(&runFlags.object, "object", "", "path of the BPF object")
	runCmd.Flags().StringVar(&runFlags.helper, "helper", "", "path of the privileged probe helper")
	runCmd.Flags().BoolVar(&runFlags.serverFilter, "server-filter", false, "also filter events in user space")
	runCmd.Flags().BoolVarP(&runFlags.quiet, "quiet", "q", false, "do not print events")
}

// applyRunFlags overlays explicitly set flags on the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		c.Transport = runFlags.transport
	}
	if flags.Changed("listen") {
		c.Listen = runFlags.listen
	}
	if flags.Changed("object") {
		c.BPFObject = runFlags.object
	}
	if flags.Changed("helper") {
		c.Probe.Path = runFlags.helper
	}
	if flags.Changed("server-filter") {
		c.ServerFilter = runFlags.serverFilter
	}
	return c.Validate()
}

// newProducer builds the producer for the configured transport.
func newProducer(c *config.Config, exe string) transport.Producer {
	if c.Transport == config.TransportLocal {
		kcfg := kernel.Config{ObjectPath: c.ObjectPath(exe), PerfPages: c.PerfPages}
		return &transport.Local{Open: func() (transport.Instrumentation, error) {
			inst, err := kernel.Open(kcfg)
			if err != nil {
				return nil, err
			}
			return inst, nil
		}}
	}

	path, args := c.ProbeCommand(exe)
	return &transport.Subprocess{Path: path, Args: args, Elevate: c.ProbeElevate()}
}

func runTrace(cmd *cobra.Command, args []string) error {
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	exe, err := process.ResolveExecutable()
	if err != nil {
		return err
	}

	var printer *eventPrinter
	if !runFlags.quiet {
		var out io.Writer = os.Stdout
		width := ui.Width()
		if runFlags.output != "" {
			f, err := os.Create(runFlags.output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out, width = f, 0
		}
		printer = newEventPrinter(out, jsonOut, width)
	}

	var recorder *storage.Recorder
	if runFlags.record != "" {
		store, err := storage.Open(runFlags.record)
		if err != nil {
			return err
		}
		defer store.Close()
		if recorder, err = store.Begin(args); err != nil {
			return err
		}
		ui.Infof("Recording session %s to %s", recorder.ID(), runFlags.record)
	}

	sup := process.New(process.Options{
		Command:             args,
		Launcher:            process.SelfLauncher(exe),
		Producer:            newProducer(cfg, exe),
		ProducerName:        cfg.Transport,
		Filter:              cfg.ServerFilter,
		NoStream:            printer == nil && recorder == nil,
		ChannelSize:         cfg.Tracer.ChannelSize,
		PollInterval:        cfg.Tracer.PollInterval,
		DrainTimeout:        cfg.Tracer.DrainTimeout,
		RendezvousWarnAfter: cfg.Tracer.RendezvousWarnAfter,
	})

	var srv *api.Server
	if cfg.Listen != "" {
		srv = api.NewServer(cfg.Listen, sup)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting status server: %w", err)
		}
		ui.Infof("Serving open files on http://%s/v1/files", srv.Addr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := sup.Spawn(ctx); err != nil {
		if srv != nil {
			srv.Stop(context.Background())
		}
		if recorder != nil {
			recorder.Finish("launch failed")
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if stream := sup.Events(); stream != nil {
		g.Go(func() error {
			consumeEvents(stream, printer, recorder)
			return nil
		})
	}
	if srv != nil {
		g.Go(func() error {
			select {
			case <-sup.Done():
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("stopping status server", "error", err)
	}
	<-sup.Done()

	// A failed trace leaves the target running untraced; it keeps its
	// terminal until it exits or we are interrupted.
	select {
	case <-sup.Ended():
	case <-ctx.Done():
	}

	traceErr := sup.Err()
	ended, isEnded := sup.Detail().(process.Ended)
	if recorder != nil {
		if err := recorder.Finish(sessionStatus(ended.Status, isEnded, traceErr)); err != nil {
			log.Warn("finishing recording", "error", err)
		}
	}

	if traceErr != nil {
		return fmt.Errorf("trace failed: %w", traceErr)
	}
	if !isEnded {
		return &ExitError{Code: 130}
	}
	if !ended.Status.Success() {
		return &ExitError{Code: exitCode(ended.Status)}
	}
	return nil
}

// consumeEvents prints and records every event. Output failures disable the
// failing sink; the stream is always drained.
func consumeEvents(stream *trace.Stream, printer *eventPrinter, recorder *storage.Recorder) {
	for ev := range stream.All() {
		if printer != nil {
			if err := printer.Print(ev); err != nil {
				log.Warn("printing events stopped", "error", err)
				printer = nil
			}
		}
		if recorder != nil {
			if err := recorder.Append(ev); err != nil {
				ui.Warnf("recording stopped: %v", err)
				recorder = nil
			}
		}
	}
}

func sessionStatus(status process.ExitStatus, ended bool, traceErr error) string {
	switch {
	case traceErr != nil:
		return "trace failed: " + traceErr.Error()
	case !ended:
		return "interrupted"
	}
	return status.String()
}

// exitCode maps a target's status to a shell exit code.
func exitCode(status process.ExitStatus) int {
	if status.Signal != "" {
		if sig := unix.SignalNum(status.Signal); sig != 0 {
			return 128 + int(sig)
		}
		return 1
	}
	return status.Code
}
