package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (run ledger, highlight reel, report)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if err := connectDB(cmd.Context(), false); err != nil {
				return err
			}
			switch {
			case DB == nil:
				fmt.Println("ℹ️  No database configured, skipping ledger.")
			case confirm(reader, "⚠️  Are you sure you want to DROP all database tables?"):
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetFiles {
			if confirm(reader, "⚠️  Are you sure you want to delete the highlight reel and report?") {
				fmt.Println("🗑️  Clearing Output Files (Reel, Report)...")
				for _, p := range generatedFiles() {
					removeFile(p)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the run ledger tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete the configured highlight reel, report and output lock")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

// generatedFiles lists the files a match run with the current config writes.
func generatedFiles() []string {
	if Cfg == nil {
		return nil
	}
	files := []string{Cfg.Output.Path, Cfg.Output.Path + ".lock"}
	if Cfg.Output.Report != "" {
		files = append(files, Cfg.Output.Report)
	}
	return files
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
