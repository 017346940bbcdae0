package command

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// ReplayOptions controls a replay run.
type ReplayOptions struct {
	Model     string
	ChunkSize int
	// Deltas prints rendered deltas instead of events.
	Deltas bool
}

// ReplayCommand runs a recorded response through a model's pipeline.
func ReplayCommand(root *RootFlags) *cobra.Command {
	opts := ReplayOptions{ChunkSize: 16}

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Run a text file through a model's pipeline",
		Long: `Feed FILE to the pipeline configured for --model in fixed-size chunks, the
way a streamed upstream response would arrive, and print one JSON line per
output event. Use "-" to read standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			return runReplay(cmd.OutOrStdout(), in, cfg, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "requested model name used to pick the pipeline")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", opts.ChunkSize, "bytes per fed chunk")
	cmd.Flags().BoolVar(&opts.Deltas, "deltas", false, "print rendered deltas instead of events")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open replay input: %w", err)
	}
	return f, nil
}

func runReplay(w io.Writer, in io.Reader, cfg *config.Config, opts ReplayOptions) error {
	if opts.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	route, err := cfg.Resolve(opts.Model)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read replay input: %w", err)
	}

	h, err := pipeline.NewDriver(nil).Open(route.Stages, pipeline.WithCapture())
	if err != nil {
		return err
	}
	defer h.Close()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	text := string(data)
	var deltas []pipeline.Delta
	for len(text) > 0 {
		n := opts.ChunkSize
		if n > len(text) {
			n = len(text)
		}
		// keep multi-byte runes whole
		for n < len(text) && !utf8.RuneStart(text[n]) {
			n++
		}
		deltas = append(deltas, h.OnChunk(text[:n])...)
		text = text[n:]
	}
	deltas = append(deltas, h.OnComplete()...)

	if opts.Deltas {
		for _, d := range deltas {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ev := range h.Transcript().Events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
