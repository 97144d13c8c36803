package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-voice/internal/engine/voicegen"
	"github.com/loqalabs/loqa-voice/internal/style"
)

var demoFlags struct {
	output string
	voices int
}

var demoVoiceCmd = &cobra.Command{
	Use:   "demo-voice",
	Short: "Write a small synthetic voice bank",
	Long: `Write synthetic voices, an empty dictionary and a style table.

The voices differ in pitch and tempo so interpolated styles are audible.

Example:
  loqa-voice demo-voice -o ./voices -n 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if demoFlags.voices <= 0 {
			return fmt.Errorf("--voices must be positive")
		}
		specs := make([]voicegen.Spec, demoFlags.voices)
		for i := range specs {
			specs[i] = voicegen.Default()
			specs[i].LogF0 += 0.25 * float64(i)
			specs[i].Duration += float64(i)
		}
		dirs, err := voicegen.WriteAll(demoFlags.output, specs...)
		if err != nil {
			return err
		}
		dict := filepath.Join(demoFlags.output, "dic")
		if err := os.MkdirAll(dict, 0o755); err != nil {
			return err
		}

		file := style.Uniform(len(dirs), style.DefaultBounds())
		for i := range dirs {
			w := make([]float64, len(dirs))
			w[i] = 1
			file.Styles = append(file.Styles, style.Entry{
				Name:     fmt.Sprintf("voice%d", i),
				Spectral: w,
				F0:       w,
				Duration: w,
			})
		}
		data, err := yaml.Marshal(file)
		if err != nil {
			return err
		}
		stylesPath := filepath.Join(demoFlags.output, "styles.yaml")
		if err := os.WriteFile(stylesPath, data, 0o644); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "voice:\n  dictionary_dir: %s\n  styles_file: %s\n  model_dirs:\n", dict, stylesPath)
		for _, d := range dirs {
			fmt.Fprintf(out, "    - %s\n", d)
		}
		return nil
	},
}

func init() {
	demoVoiceCmd.Flags().StringVarP(&demoFlags.output, "output", "o", "./voices", "output directory")
	demoVoiceCmd.Flags().IntVarP(&demoFlags.voices, "voices", "n", 2, "number of voices")
}
