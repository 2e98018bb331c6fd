package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/majorcontext/fdscope/internal/storage"
	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/ui"
)

var showCmd = &cobra.Command{
	Use:   "show FILE.db [SESSION]",
	Short: "Show recorded traces",
	Long: `Without SESSION, list the sessions recorded in FILE.db, newest first.
With SESSION (an ID or a unique prefix of one), print its events.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: showRecording,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func showRecording(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err != nil {
		return fmt.Errorf("opening recording: %w", err)
	}
	store, err := storage.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return listSessions(store)
	}
	return showSession(store, args[1])
}

func listSessions(store *storage.Store) error {
	sessions, err := store.Sessions()
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tEVENTS\tSTATUS\tCOMMAND")
	for _, s := range sessions {
		status := s.Status
		if s.EndedAt == nil {
			status = "unfinished"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID),
			humanize.Time(s.StartedAt),
			humanize.Comma(int64(s.Events)),
			status,
			strings.Join(s.Command, " "),
		)
	}
	return w.Flush()
}

func showSession(store *storage.Store, prefix string) error {
	sess, err := store.Session(prefix)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no session %q in recording", prefix)
	}
	if err != nil {
		return err
	}
	entries, err := store.Events(sess.ID)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}

	fmt.Printf("%s %s\n", ui.Bold("Session"), sess.ID)
	fmt.Printf("  command: %s\n", strings.Join(sess.Command, " "))
	fmt.Printf("  started: %s (%s)\n", sess.StartedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(sess.StartedAt))
	if sess.EndedAt != nil {
		fmt.Printf("  ended:   %s after %s\n", sess.Status, sess.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond))
	}
	fmt.Println()

	width := ui.Width()
	for _, e := range entries {
		fmt.Println(formatEvent(entryEvent(e), width))
	}
	return nil
}

// entryEvent rebuilds the event a recorded entry came from.
func entryEvent(e storage.Entry) trace.Event {
	switch e.Kind {
	case trace.KindFileOpen:
		return trace.FileOpen{PID: e.PID, FD: e.FD, Path: e.Path, Truncated: e.Truncated}
	case trace.KindFileOpenFail:
		return trace.FileOpenFail{PID: e.PID, Errno: e.Errno, Path: e.Path, Truncated: e.Truncated}
	case trace.KindFileClose:
		return trace.FileClose{PID: e.PID, FD: e.FD}
	case trace.KindProcessStart:
		return trace.ProcessStart{PID: e.PID}
	case trace.KindProcessExit:
		return trace.ProcessExit{PID: e.PID}
	}
	return trace.ProcessFailed{Err: errors.New(e.Error)}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
