package commands

import (
	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var path string
		var err error
		if cfgFile != "" {
			path = cfgFile
			err = config.InitConfigToPath(cfgFile, initForce)
		} else {
			path, err = config.InitConfig(initForce)
		}
		if err != nil {
			return err
		}
		cmd.Printf("Configuration file created at: %s\n", path)
		cmd.Println("\nNext steps:")
		cmd.Println("  1. Edit the configuration file to point at your library and target")
		cmd.Println("  2. Run a worker with: shelfsync run --shard-id 0")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}
