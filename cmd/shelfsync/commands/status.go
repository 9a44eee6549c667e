package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/pkg/config"
	"github.com/AmenZhou/shelfsync/pkg/supervisor"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet progress from the durable progress files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.MustLoad(cfgFile)
		if err != nil {
			return err
		}
		fs, err := supervisor.CollectStatus(cfg.Worker.ProgressDir)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fs)
		}
		fs.DiskUtilPct = -1 // no live sample in offline mode
		supervisor.RenderStatus(os.Stdout, fs)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON instead of a table")
}
