// Command dazzle-core runs the transactional event platform.
package main

import (
	"os"

	"dazzle.dev/core/cli"
	"dazzle.dev/core/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
