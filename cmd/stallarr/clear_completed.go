package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
	"github.com/mescon/stallarr/internal/services"
)

func newClearCompletedCommand(opts *globalOptions) *cobra.Command {
	var keepFiles bool

	command := &cobra.Command{
		Use:   "clear-completed",
		Short: "Delete completed qBittorrent torrents that stopped seeding",
		Long: `Delete every qBittorrent torrent in the "completed" filter whose state is
pausedUP or stoppedUP. Payload files are removed too unless --keep-files is
given or CLEAR_COMPLETED_DELETE_FILES=false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCleaner(opts.loadOptions(), opts.flagOverrides(cmd))
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			defer logger.Close()

			deleteFiles := cfg.ClearCompletedDeleteFiles && !keepFiles
			client := integration.NewQBittorrentClient(cfg.QBittorrent, integration.ClientOptions{Timeout: cfg.HTTPTimeout})
			cleaner := services.NewCleanerService(client, nil, deleteFiles, cfg.DryRun)

			cleared, err := cleaner.ClearCompleted(cmd.Context())
			if err != nil {
				return err
			}
			verb := "Deleted"
			if cfg.DryRun {
				verb = "Would delete"
			}
			for _, t := range cleared {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", verb, t.Name, t.Hash)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d torrent(s) cleared\n", len(cleared))
			return nil
		},
	}

	command.Flags().BoolVar(&keepFiles, "keep-files", false, "remove torrents but keep their payload files")
	return command
}
