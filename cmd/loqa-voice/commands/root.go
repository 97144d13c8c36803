package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

var globalFlags struct {
	configPath string
	dictionary string
	models     []string
	styles     string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "loqa-voice",
	Short: "Offline speech synthesis with interpolated voice styles",
	Long: `Offline speech synthesis with interpolated voice styles.

Voices are read from the configuration file and may be overridden with
--dictionary, --model and --styles.

Example:
  loqa-voice demo-voice -o ./voices
  loqa-voice --dictionary ./voices/dic --model ./voices/voice0 say -o hello.wav "hello"`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globalFlags.configPath, "config", "c", "", "configuration file")
	flags.StringVar(&globalFlags.dictionary, "dictionary", "", "dictionary directory")
	flags.StringSliceVarP(&globalFlags.models, "model", "m", nil, "voice model directory (repeatable)")
	flags.StringVar(&globalFlags.styles, "styles", "", "style table file")
	flags.StringVar(&globalFlags.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(sayCmd, stylesCmd, demoVoiceCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if globalFlags.configPath != "" {
		var err error
		if cfg, err = config.Load(globalFlags.configPath); err != nil {
			return cfg, err
		}
	}
	if globalFlags.dictionary != "" {
		cfg.Voice.DictionaryDir = globalFlags.dictionary
	}
	if len(globalFlags.models) > 0 {
		cfg.Voice.ModelDirs = globalFlags.models
	}
	if globalFlags.styles != "" {
		cfg.Voice.StylesFile = globalFlags.styles
	}
	cfg.Telemetry.LogLevel = globalFlags.logLevel
	cfg.Telemetry.LogFile = ""
	return cfg, nil
}

func openSession() (*synth.Synthesizer, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, _ := runtime.NewLogger(cfg.Telemetry)
	s, err := runtime.OpenSession(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, logger, nil
}
