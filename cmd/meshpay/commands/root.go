package commands

import (
	"github.com/meshpay/meshpay/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for meshpay
var RootCmd = &cobra.Command{
	Use:              "meshpay",
	Short:            "payment finality for mesh networks",
	TraverseChildren: true,
}
