// x86emu runs statically linked 32-bit x86 Linux programs in user mode.
package main

import (
	"fmt"
	"os"

	"github.com/jam-duna/x86emu/common"
	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "x86emu",
		Short: "User-mode 32-bit x86 emulator",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(newRunCmd(), newDebugCmd(), newCheckpointCmd(), newEventsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and commit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("x86emu %s (commit %s)\n", common.Version, common.GetCommitHash())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
