package main

import (
	"context"
	"log"

	"github.com/minicore/cpucore/cmd"
	"github.com/spf13/cobra"
)

func main() {
	if err := cmd.LoadDotEnvFromConfigFolder(); err != nil {
		log.Fatal(err)
	}
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
