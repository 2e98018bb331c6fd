package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/process"
)

// exitAbandoned is returned by the wrapper when the supervisor went away
// before releasing it.
const exitAbandoned = 125

var (
	wrapReleaseFD int
	wrapReadyFD   int
)

var wrapCmd = &cobra.Command{
	Use:    process.WrapCommand + " -- command [args...]",
	Short:  "Suspend until released, then exec command",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE:   runWrap,
}

func init() {
	rootCmd.AddCommand(wrapCmd)
	wrapCmd.Flags().SetInterspersed(false)
	wrapCmd.Flags().IntVar(&wrapReleaseFD, "release-fd", gate.ReleaseFD, "descriptor of the release pipe (-1 for none)")
	wrapCmd.Flags().IntVar(&wrapReadyFD, "ready-fd", gate.ReadyFD, "descriptor of the ready pipe (-1 for none)")
}

func runWrap(cmd *cobra.Command, args []string) error {
	w, err := gate.ArmInherited(wrapReleaseFD, wrapReadyFD)
	if err != nil {
		return err
	}

	err = w.Wait(context.Background())
	w.Close()
	if errors.Is(err, gate.ErrAbandoned) {
		log.Debug("released by nobody, not starting target", "command", args)
		return &ExitError{Code: exitAbandoned}
	}
	if err != nil {
		return fmt.Errorf("waiting for release: %w", err)
	}

	return gate.Exec(args)
}
