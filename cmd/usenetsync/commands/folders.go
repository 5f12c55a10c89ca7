package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/internal/cli/timeutil"
)

var (
	foldersOutput       string
	foldersArchiveForce bool
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List synchronized folders",
	Long: `List every folder this installation has indexed, with its share count.

Examples:
  usenetsync folders
  usenetsync folders --output json
  usenetsync folders archive ~/old-project`,
	RunE: runFoldersList,
}

var foldersArchiveCmd = &cobra.Command{
	Use:   "archive <folder>",
	Short: "Archive a folder",
	Long: `Archive stops tracking a folder. Its published shares stay fetchable; the
folder is simply excluded from future scans and publishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runFoldersArchive,
}

func init() {
	foldersCmd.PersistentFlags().StringVarP(&foldersOutput, "output", "o", "table", "Output format: table, json, or yaml")
	foldersArchiveCmd.Flags().BoolVar(&foldersArchiveForce, "force", false, "Skip the confirmation prompt")
	foldersCmd.AddCommand(foldersArchiveCmd)
}

func runFoldersList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(foldersOutput)
	if err != nil {
		return err
	}
	p := output.NewPrinter(os.Stdout, format, true)

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	folders, err := st.ListFolders(ctx)
	if err != nil {
		return err
	}

	if format != output.FormatTable {
		return p.Print(folders)
	}

	table := output.NewTableData("FOLDER ID", "NAME", "PATH", "STATE", "SHARES", "AGE")
	for _, f := range folders {
		shares, err := st.ListSharesByFolder(ctx, f.FolderID)
		if err != nil {
			return err
		}
		table.AddRow(f.FolderID, f.DisplayName, f.LocalPath, string(f.State),
			fmt.Sprintf("%d", len(shares)), timeutil.Age(f.CreatedAt))
	}
	if err := p.Print(table); err != nil {
		return err
	}
	p.Printf("%d folders\n", len(folders))
	return nil
}

func runFoldersArchive(cmd *cobra.Command, args []string) error {
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

	folder, err := st.GetFolderByPath(ctx, folderPath)
	if err != nil {
		return err
	}

	ok, err := prompt.ConfirmWithForce(
		fmt.Sprintf("Archive %s? Its shares stay fetchable", folder.DisplayName),
		foldersArchiveForce)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := st.ArchiveFolder(ctx, folder.FolderID); err != nil {
		return err
	}
	fmt.Printf("Archived %s (%s)\n", folder.DisplayName, folder.FolderID)
	return nil
}
