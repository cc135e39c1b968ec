package main

import (
	"os"

	"github.com/i-dream-of-ai/aegra/cmd/backtestd/cmd"
	"github.com/i-dream-of-ai/aegra/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
