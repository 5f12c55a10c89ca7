package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/scanner"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var scanCmd = &cobra.Command{
	Use:   "scan <folder>",
	Short: "Preview what a publish would change",
	Long: `Scan compares the folder against its last indexed state and reports which
files a publish would add, re-version, or mark deleted. Nothing is posted
and nothing is written to the database.

Examples:
  usenetsync scan ~/photos`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	folderPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	previous := scanner.Snapshot{}
	folder, err := st.GetFolderByPath(ctx, folderPath)
	switch {
	case err == nil:
		files, err := st.ListCurrentFiles(ctx, folder.FolderID)
		if err != nil {
			return err
		}
		for _, f := range files {
			previous[f.RelativePath] = scanner.FileRecord{
				RelativePath: f.RelativePath,
				Size:         f.Size,
				ContentHash:  f.ContentHash,
			}
		}
	case errors.Is(err, models.ErrFolderNotFound):
		// First publish would index everything.
	default:
		return err
	}

	diff, _, err := scanner.New(scanner.Config{}).Scan(ctx, folderPath, previous)
	if err != nil {
		return err
	}

	if diff.Empty() {
		fmt.Printf("%s is up to date (%d files indexed)\n", folderPath, len(previous))
		return nil
	}

	table := output.NewTableData("CHANGE", "PATH", "SIZE")
	for _, rec := range diff.Added {
		table.AddRow("added", rec.RelativePath, bytesize.ByteSize(rec.Size).String())
	}
	for _, rec := range diff.Modified {
		table.AddRow("modified", rec.RelativePath, bytesize.ByteSize(rec.Size).String())
	}
	for _, rec := range diff.Deleted {
		table.AddRow("deleted", rec.RelativePath, "-")
	}

	p := output.DefaultPrinter()
	if err := p.Print(table); err != nil {
		return err
	}
	p.Printf("%d added, %d modified, %d deleted\n",
		len(diff.Added), len(diff.Modified), len(diff.Deleted))
	return nil
}
