package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/wavfile"
	"github.com/spf13/cobra"
)

var (
	mergeChannels int
	mergeOutput   string
)

var wavCmd = &cobra.Command{
	Use:   "wav",
	Short: "WAV file utilities",
}

var wavMergeCmd = &cobra.Command{
	Use:   "merge <input.wav>...",
	Short: "Merge mono recordings into one multi-channel WAV",
	Long:  `Channel i of the output carries the first channel of input i. Unused channels stay silent.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs := make([]*wavfile.Audio, 0, len(args))
		for _, path := range args {
			audio, err := readWAV(path)
			if err != nil {
				return err
			}
			inputs = append(inputs, audio)
		}
		data, err := wavfile.Merge(inputs, mergeChannels)
		if err != nil {
			return err
		}
		out := mergeOutput
		if out == "" {
			out = mergedName(args[0], mergeChannels)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d channels)\n", out, mergeChannels)
		return nil
	},
}

func init() {
	wavMergeCmd.Flags().IntVarP(&mergeChannels, "channels", "c", 8, "Output channel count")
	wavMergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Output path (default <first>_<n>ch.wav)")
	wavCmd.AddCommand(wavMergeCmd)
}

func readWAV(path string) (*wavfile.Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	audio, err := wavfile.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return audio, nil
}

func mergedName(first string, channels int) string {
	base := strings.TrimSuffix(first, filepath.Ext(first))
	return fmt.Sprintf("%s_%dch.wav", base, channels)
}
