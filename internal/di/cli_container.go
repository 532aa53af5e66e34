package di

import (
	"flag"
	"os"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/phishguard/internal/adapters/filter"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/logging"
	"github.com/mikey/phishguard/internal/utils"
)

// CLIFlags contains all command line flags for the inspection tool
type CLIFlags struct {
	// Artifact flags
	SchemaPath string
	ModelPath  string
	CorpusPath string

	MaxBodySize int

	// Input flags
	InputFile  string
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags() *CLIFlags {
	// flag.CommandLine exits on a parse error
	flags, _ := ParseArgs(flag.CommandLine, os.Args[1:])
	return flags
}

// ParseArgs registers the CLI flags on fs and parses args
func ParseArgs(fs *flag.FlagSet, args []string) (*CLIFlags, error) {
	flags := &CLIFlags{}

	fs.StringVar(&flags.SchemaPath, "schema", "", "Feature schema artifact")
	fs.StringVar(&flags.ModelPath, "model", "", "Classifier model artifact")
	fs.StringVar(&flags.CorpusPath, "corpus", "", "Attribution rule corpus")
	fs.IntVar(&flags.MaxBodySize, "max-body-size", 0, "Maximum body size to analyze")

	fs.StringVar(&flags.InputFile, "file", "", "Input email file (use stdin if not specified)")
	fs.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging and full feature output")
	fs.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	fs.StringVar(&flags.ConfigFile, "config", "", "Path to config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return flags, nil
}

// BuildCLIContainer creates the container for the inspection tool. Nothing
// is stored or relayed, so only the analysis half of the pipeline is wired.
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration, flags override the file
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		var cfg *config.Config
		if flags.ConfigFile != "" {
			loaded, err := config.Load(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", loaded.GetViper().ConfigFileUsed()))
			cfg = loaded
		} else {
			cfg = config.NewFromViper(config.NewEmptyViper())
		}
		applyFlags(cfg, flags)
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := provideAnalysis(container); err != nil {
		return nil, err
	}

	// Register CLI filter
	if err := container.Provide(func(cfg *config.Config, text *utils.TextProcessor, analyzer *core.Analyzer, logger *zap.Logger, flags *CLIFlags) *filter.CliFilter {
		parser := filter.NewMessageParser(text, cfg.GetInt("server.max_body_size"))
		return filter.NewCliFilter(parser, analyzer, logger, flags.Verbose)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// applyFlags copies explicitly set artifact flags over the configuration
func applyFlags(cfg *config.Config, flags *CLIFlags) {
	v := cfg.GetViper()
	if flags.SchemaPath != "" {
		v.Set("features.schema_path", flags.SchemaPath)
	}
	if flags.ModelPath != "" {
		v.Set("oracle.model_path", flags.ModelPath)
	}
	if flags.CorpusPath != "" {
		v.Set("attribution.corpus_path", flags.CorpusPath)
	}
	if flags.MaxBodySize > 0 {
		v.Set("server.max_body_size", flags.MaxBodySize)
	}
	// the inspector exits after one message
	v.Set("attribution.watch", false)
}
