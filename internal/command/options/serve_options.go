package options

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tingly-dev/tingly-relay/internal/config"
)

// ServeFlags holds the raw flags of the serve command.
type ServeFlags struct {
	Host       string
	Port       int
	Watch      bool
	LogFile    string
	RecordMode string
	RecordDir  string
	Metrics    bool
}

// ServeOptions are the serve settings after merging flags over the config.
type ServeOptions struct {
	Host       string
	Port       int
	Watch      bool
	LogFile    string
	RecordMode string
	RecordDir  string
	Metrics    bool
}

// AddServeFlags registers the serve flags on fs.
func AddServeFlags(fs *pflag.FlagSet, flags *ServeFlags) {
	fs.StringVar(&flags.Host, "host", "", "Listen host (default: from config or 127.0.0.1)")
	fs.IntVarP(&flags.Port, "port", "p", 0, "Listen port (default: from config or 12580)")
	fs.BoolVarP(&flags.Watch, "watch", "w", false, "Reload the config file when it changes")
	fs.StringVar(&flags.LogFile, "log-file", "", "Also write logs to this file, rotated")
	fs.StringVar(&flags.RecordMode, "record-mode", "", "Record mode: empty=from config, 'all'=raw text and output, 'response'=output only")
	fs.StringVar(&flags.RecordDir, "record-dir", "", "Record directory (default: ~/.tingly-relay/record/)")
	fs.BoolVar(&flags.Metrics, "metrics", false, "Export metrics to stdout")
}

// ResolveServeOptions merges flags over cfg.
// Priority: CLI flag > Config > Default
func ResolveServeOptions(cmd *cobra.Command, flags ServeFlags, cfg *config.Config) ServeOptions {
	changed := cmd.Flags().Changed

	opts := ServeOptions{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Watch:      flags.Watch,
		LogFile:    cfg.Log.File,
		RecordMode: cfg.Record.Mode,
		RecordDir:  cfg.Record.Dir,
		Metrics:    cfg.Metrics.Enabled,
	}
	if changed("host") {
		opts.Host = flags.Host
	}
	if changed("port") {
		opts.Port = flags.Port
	}
	if changed("log-file") {
		opts.LogFile = flags.LogFile
	}
	if changed("record-mode") {
		opts.RecordMode = flags.RecordMode
	}
	if changed("record-dir") {
		opts.RecordDir = flags.RecordDir
	}
	if changed("metrics") {
		opts.Metrics = flags.Metrics
	}
	if opts.RecordMode != "" && opts.RecordDir == "" {
		opts.RecordDir = config.GetRecordDir()
	}
	// bare file names land in the log directory
	if opts.LogFile != "" && filepath.Base(opts.LogFile) == opts.LogFile {
		opts.LogFile = filepath.Join(config.GetLogDir(), opts.LogFile)
	}
	return opts
}
