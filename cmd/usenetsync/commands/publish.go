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
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/engine"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var (
	publishAccess     string
	publishPassword   string
	publishUsers      []string
	publishRedundancy int
)

var publishCmd = &cobra.Command{
	Use:   "publish <folder>",
	Short: "Publish a folder as a new share",
	Long: `Publish scans the folder, posts changed segments to the relay, and prints
the share identifier a recipient needs.

Repeated publishes of the same folder post only segments that changed since
the previous publish. Each publish produces a new, immutable share.

Examples:
  # Public share, anyone with the share ID can fetch it
  usenetsync publish ~/photos

  # Password-protected share (prompts when --password is omitted)
  usenetsync publish --access protected ~/documents

  # Private share for named recipients
  usenetsync publish --access private --user alice --user bob ~/work

  # Extra replicas for long retention
  usenetsync publish --redundancy 2 ~/archive`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishAccess, "access", "public", "Access class: public, protected, or private")
	publishCmd.Flags().StringVar(&publishPassword, "password", "", "Password for protected shares (prompts when omitted)")
	publishCmd.Flags().StringArrayVar(&publishUsers, "user", nil, "Recipient user ID for private shares (repeatable)")
	publishCmd.Flags().IntVar(&publishRedundancy, "redundancy", -1, "Replica count beyond the original (-1 uses the configured default)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	folderPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	class := models.AccessClass(publishAccess)
	password := publishPassword
	if class == models.AccessProtected && password == "" {
		password, err = prompt.NewPassword()
		if err != nil {
			return err
		}
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := e.engine.Publish(ctx, engine.PublishRequest{
		Actor:       currentActor(),
		FolderPath:  folderPath,
		AccessClass: class,
		Password:    []byte(password),
		Recipients:  publishUsers,
		Redundancy:  publishRedundancy,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Published %s\n", folderPath)
	fmt.Printf("  Share ID:   %s\n", result.ShareID)
	fmt.Printf("  Access:     %s\n", class)
	fmt.Printf("  Files:      %d\n", result.FileCount)
	fmt.Printf("  Segments:   %d posted this run\n", result.SegmentCount)
	fmt.Printf("  Total size: %s\n", bytesize.ByteSize(result.TotalBytes).String())
	if class == models.AccessPrivate {
		rootKey, err := e.engine.FolderRootKey(ctx, result.FolderID)
		if err != nil {
			return err
		}
		defer crypto.Zeroize(rootKey)
		fmt.Printf("  Root key:   %s\n", hex.EncodeToString(rootKey))
		fmt.Println("\nDeliver the share ID, each recipient's user ID, and the root key")
		fmt.Println("out of band; none of them travel over the relay.")
	}
	return nil
}
