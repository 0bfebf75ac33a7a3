package commands

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"evalgo.org/lares/internal/template"
)

var validateTemplatesCmd = &cobra.Command{
	Use:   "validate-templates [dir]",
	Short: "Validate every service template in a directory",
	Long: `Validate every YAML service template in a directory. Unlike the
server, which skips broken templates at startup, this command reports each
failure and exits non-zero when any file is invalid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Templates.Path
		if len(args) == 1 {
			dir = args[0]
		}

		engine := template.NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
		ok, problems, err := engine.CheckDir(dir)
		if err != nil {
			return err
		}

		fmt.Printf("%d valid template(s) in %s\n", ok, dir)
		if len(problems) == 0 {
			return nil
		}

		names := make([]string, 0, len(problems))
		for name := range problems {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %v\n", name, problems[name])
		}
		return fmt.Errorf("%d invalid template(s)", len(problems))
	},
}
