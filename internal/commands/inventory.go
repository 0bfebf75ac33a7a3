package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"evalgo.org/lares/internal/inventory"
)

var exportInventoryCmd = &cobra.Command{
	Use:   "export-inventory [file]",
	Short: "Export the device inventory as JSON",
	Long:  `Export every device record as JSON to a file, or to stdout when no file is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := inventory.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open inventory: %w", err)
		}
		defer store.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return store.Export(cmd.Context(), out)
	},
}

var importInventoryCmd = &cobra.Command{
	Use:   "import-inventory [file]",
	Short: "Import device records from a JSON export",
	Long: `Import device records from a JSON export, merging into the existing
inventory. Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := inventory.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open inventory: %w", err)
		}
		defer store.Close()

		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		created, updated, err := store.Import(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d device(s): %d created, %d updated\n", created+updated, created, updated)
		return nil
	},
}
