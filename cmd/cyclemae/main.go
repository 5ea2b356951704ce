package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/sw965/cyclemae/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
