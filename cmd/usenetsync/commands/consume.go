package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/engine"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/reconstruct"
)

var (
	consumeDest     string
	consumePassword string
	consumeUser     string
	consumeRootKey  string
	consumeOnly     []string
)

var consumeCmd = &cobra.Command{
	Use:   "consume <share-id>",
	Short: "Fetch a share and reconstruct its folder",
	Long: `Consume fetches a share's index from the relay, downloads its segments, and
reconstructs the folder under the destination directory.

Interrupted downloads resume where they left off: segments already staged are
not fetched again. Files whose segments cannot be recovered are reported as
incomplete and skipped; everything else is written.

Examples:
  # Public share into the current directory
  usenetsync consume us1abc...

  # Protected share
  usenetsync consume --password hunter2 us1abc...

  # Private share; user ID and root key were delivered out of band
  usenetsync consume --user alice --root-key 9f3a... us1abc...

  # Only part of the folder
  usenetsync consume --only docs/report.pdf --only photos/a.jpg us1abc...`,
	Args: cobra.ExactArgs(1),
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().StringVar(&consumeDest, "dest", ".", "Destination directory for the reconstructed folder")
	consumeCmd.Flags().StringVar(&consumePassword, "password", "", "Password for protected shares")
	consumeCmd.Flags().StringVar(&consumeUser, "user", "", "User ID for private shares")
	consumeCmd.Flags().StringVar(&consumeRootKey, "root-key", "", "Hex folder root key for private shares")
	consumeCmd.Flags().StringArrayVar(&consumeOnly, "only", nil, "Restrict to this relative path (repeatable)")
}

func runConsume(cmd *cobra.Command, args []string) error {
	shareID := args[0]
	if err := index.ValidateShareID(shareID); err != nil {
		return err
	}
	if (consumeUser == "") != (consumeRootKey == "") {
		return fmt.Errorf("--user and --root-key go together")
	}

	var rootKey []byte
	if consumeRootKey != "" {
		var err error
		rootKey, err = hex.DecodeString(consumeRootKey)
		if err != nil {
			return fmt.Errorf("invalid --root-key: %w", err)
		}
	}

	dest, err := filepath.Abs(consumeDest)
	if err != nil {
		return err
	}

	var selection map[string]bool
	if len(consumeOnly) > 0 {
		selection = make(map[string]bool, len(consumeOnly))
		for _, p := range consumeOnly {
			selection[p] = true
		}
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := e.engine.Consume(ctx, engine.ConsumeRequest{
		Actor:       currentActor(),
		ShareID:     shareID,
		Destination: dest,
		Password:    []byte(consumePassword),
		UserID:      consumeUser,
		RootKey:     rootKey,
		Selection:   selection,
	})
	if err != nil {
		return err
	}

	printConsumeReport(report, dest)
	if !report.Complete() {
		return fmt.Errorf("%d files incomplete; re-run to retry their segments", len(report.Incomplete()))
	}
	return nil
}

func printConsumeReport(report *reconstruct.Report, dest string) {
	table := output.NewTableData("PATH", "STATUS", "WRITTEN")
	for _, f := range report.Files {
		written := bytesize.ByteSize(f.WrittenBytes).String()
		if f.Status != reconstruct.StatusComplete {
			written = fmt.Sprintf("%d segments missing", len(f.MissingSegments))
		}
		table.AddRow(f.Path, string(f.Status), written)
	}

	p := output.DefaultPrinter()
	if err := p.Print(table); err != nil {
		PrintErr("%v", err)
	}
	if report.Complete() {
		p.Success(fmt.Sprintf("Reconstructed %d files under %s", len(report.Files), dest))
	}
}
