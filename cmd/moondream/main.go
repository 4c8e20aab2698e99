// Command moondream is a thin diagnostic CLI over the Weight Loader: it
// resolves the Moondream2 text model file inside a data directory,
// decodes its GGUF header, and reports the hyperparameters a full
// forward pass would be built against. It never runs a compute graph —
// that needs a concrete ml.Backend, which this repository only declares
// an interface for.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devpramod/moondream/fs/ggml"
)

// textModelFilename is the fixed name Moondream2 distributions use for
// the text backbone's weight file, joined onto the caller's data
// directory the way the original tool's main() concatenated it.
const textModelFilename = "moondream2-text-model-f16.gguf"

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moondream <data-dir>",
		Short: "Load a Moondream2 text model and report its hyperparameters",
		Args:  cobra.ExactArgs(1),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}

	return rootCmd
}

func run(cmd *cobra.Command, dataDir string) error {
	modelPath := filepath.Join(dataDir, textModelFilename)

	f, err := os.Open(modelPath)
	if err != nil {
		return fmt.Errorf("could not load model: %w", err)
	}
	defer f.Close()

	g, err := ggml.Decode(f)
	if err != nil {
		return fmt.Errorf("could not load model: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "text model path: %s\n", modelPath)
	fmt.Fprintln(cmd.OutOrStdout(), "successfully loaded model")

	printReport(cmd.OutOrStdout(), modelPath, g)

	return nil
}
