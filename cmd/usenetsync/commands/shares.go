package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/timeutil"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var sharesOutput string

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "List published shares",
	Long: `List every share this installation has published, newest first.

Examples:
  usenetsync shares
  usenetsync shares --output json
  usenetsync shares show us1abc...`,
	RunE: runSharesList,
}

var sharesShowCmd = &cobra.Command{
	Use:   "show <share-id>",
	Short: "Show one share in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runSharesShow,
}

func init() {
	sharesCmd.PersistentFlags().StringVarP(&sharesOutput, "output", "o", "table", "Output format: table, json, or yaml")
	sharesCmd.AddCommand(sharesShowCmd)
}

func sharesPrinter() (*output.Printer, error) {
	format, err := output.ParseFormat(sharesOutput)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(os.Stdout, format, true), nil
}

func runSharesList(cmd *cobra.Command, args []string) error {
	p, err := sharesPrinter()
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

	shares, err := st.ListShares(ctx)
	if err != nil {
		return err
	}

	if p.Format() != output.FormatTable {
		return p.Print(shares)
	}

	table := output.NewTableData("SHARE ID", "FOLDER", "ACCESS", "SNAPSHOT", "PUBLISHED", "AGE")
	for _, s := range shares {
		name := s.FolderID
		if folder, err := st.GetFolder(ctx, s.FolderID); err == nil {
			name = folder.DisplayName
		}
		published := "no"
		if s.Published() {
			published = "yes"
		}
		table.AddRow(s.ShareID, name, string(s.AccessClass),
			fmt.Sprintf("v%d", s.VersionSnapshot), published, timeutil.Age(s.CreatedAt))
	}
	if err := p.Print(table); err != nil {
		return err
	}
	p.Printf("%d shares\n", len(shares))
	return nil
}

func runSharesShow(cmd *cobra.Command, args []string) error {
	shareID := args[0]
	if err := index.ValidateShareID(shareID); err != nil {
		return err
	}

	p, err := sharesPrinter()
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

	share, err := st.GetShare(ctx, shareID)
	if err != nil {
		return err
	}

	if p.Format() != output.FormatTable {
		return p.Print(share)
	}

	pairs := [][2]string{
		{"Share ID", share.ShareID},
		{"Folder ID", share.FolderID},
		{"Access", string(share.AccessClass)},
		{"Snapshot", fmt.Sprintf("v%d", share.VersionSnapshot)},
		{"Created", timeutil.FormatTime(share.CreatedAt)},
	}
	if folder, err := st.GetFolder(ctx, share.FolderID); err == nil {
		pairs = append(pairs, [2]string{"Folder", folder.DisplayName})
	}
	if share.Published() {
		pairs = append(pairs, [2]string{"Index article", *share.IndexMessageID})
	} else {
		pairs = append(pairs, [2]string{"Index article", "not posted"})
	}
	if share.KDFParams != nil {
		pairs = append(pairs, [2]string{"KDF", *share.KDFParams})
	}
	if share.AccessClass == models.AccessPrivate {
		commitments, err := st.ListCommitments(ctx, shareID)
		if err != nil {
			return err
		}
		pairs = append(pairs, [2]string{"Recipients", fmt.Sprintf("%d", len(commitments))})
	}
	return output.SimpleTable(p.Writer(), pairs)
}
