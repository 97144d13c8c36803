package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "List the configured styles",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := openSession()
		if err != nil {
			return err
		}
		active, cfg := session.ActiveConfig()
		for i, name := range session.Styles() {
			marker := " "
			if i == active {
				marker = "*"
			}
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "frame period %d, pitch %+.1f, alpha %.2f, volume %.2f\n",
			cfg.FramePeriod, cfg.PitchShift, cfg.Alpha, cfg.Volume)
		return nil
	},
}
