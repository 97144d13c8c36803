package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/cobra"
)

var sayFlags struct {
	output string
	style  string
	timing bool
}

var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Synthesize text into a WAV file",
	Long: `Synthesize text into a 16-bit mono WAV file.

Text is read from the arguments, or from stdin when none are given.
With --timing the phoneme timing is printed as "phoneme,ms,..." first.

Example:
  loqa-voice say --style happy -o out.wav "good morning"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if text == "" {
			data, err := readAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = strings.TrimSpace(data)
		}
		if text == "" {
			return fmt.Errorf("no text given")
		}
		if sayFlags.output == "" {
			return fmt.Errorf("output file is required, use -o flag")
		}

		session, _, err := openSession()
		if err != nil {
			return err
		}
		if sayFlags.style != "" {
			if err := session.SetStyleByName(sayFlags.style); err != nil {
				return fmt.Errorf("style %q: %w", sayFlags.style, err)
			}
		}
		if err := session.Prepare(text); err != nil {
			return err
		}
		if sayFlags.timing {
			fmt.Fprintln(cmd.OutOrStdout(), session.PhonemeSequence())
		}

		file, err := os.Create(sayFlags.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()

		rate := session.SamplingRate()
		enc := wav.NewEncoder(file, rate, 16, 1, 1)
		buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, SourceBitDepth: 16}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			session.Stop()
		}()

		res, err := session.Synthesis(ctx, func(samples []int16) error {
			buf.Data = buf.Data[:0]
			for _, v := range samples {
				buf.Data = append(buf.Data, int(v))
			}
			return enc.Write(buf)
		})
		if err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close wav encoder: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s: %d frames, %d samples at %d Hz\n", sayFlags.output, res.Frames, res.Samples, rate)
		if res.Cancelled {
			return context.Canceled
		}
		return nil
	},
}

func init() {
	sayCmd.Flags().StringVarP(&sayFlags.output, "output", "o", "", "output WAV file")
	sayCmd.Flags().StringVarP(&sayFlags.style, "style", "s", "", "style name")
	sayCmd.Flags().BoolVarP(&sayFlags.timing, "timing", "t", false, "print phoneme timing")
}
