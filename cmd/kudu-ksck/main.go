package main

import (
	"log"

	"github.com/spf13/cobra"

	ksckcli "github.com/caiconghui/kudu/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "kudu-ksck",
		Short:         "Kudu cluster consistency checker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all checker commands from pkg/cli for reuse in services
	ksckcli.AddAll(root)
	return root
}
