package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mikey/phishguard/internal/adapters/filter"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/di"
	"go.uber.org/zap"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	var label core.Label
	err = container.Invoke(func(cli *filter.CliFilter, logger *zap.Logger) error {
		defer logger.Sync()

		raw, err := readInput(flags.InputFile, logger)
		if err != nil {
			return err
		}

		analysis, err := cli.Inspect(context.Background(), raw)
		if err != nil {
			return err
		}
		label = analysis.Label
		return nil
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// exit status 2 marks phishing so the tool can be scripted
	if label == core.LabelPhishing {
		os.Exit(2)
	}
}

func readInput(path string, logger *zap.Logger) ([]byte, error) {
	if path == "" {
		logger.Info("Reading email from stdin")
		return io.ReadAll(os.Stdin)
	}

	logger.Info("Reading email from file", zap.String("file", path))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return data, nil
}
