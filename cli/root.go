package cli

import (
	"github.com/spf13/cobra"

	"github.com/stepflow-io/stepflow/engine/executor"
	"github.com/stepflow-io/stepflow/pkg/version"
)

// Options carries what an embedding binary contributes to the CLI; most
// importantly the executor registry holding its step implementations.
type Options struct {
	Registry *executor.Registry
}

func RootCmd(opts Options) *cobra.Command {
	if opts.Registry == nil {
		opts.Registry = executor.NewRegistry()
	}
	root := &cobra.Command{
		Use:     "stepflow",
		Short:   "Stepflow workflow engine",
		Version: version.Version,
	}
	root.AddCommand(
		ServeCmd(opts),
		MigrateCmd(),
	)
	return root
}
