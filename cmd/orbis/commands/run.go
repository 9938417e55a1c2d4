package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orbisworld/orbis/client"
	"github.com/orbisworld/orbis/config"
	"github.com/orbisworld/orbis/logger"
	"github.com/orbisworld/orbis/version"
)

// RunCmd connects to a realm and runs the client loop until interrupted.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a realm and run the client",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if realmURL, _ := cmd.Flags().GetString("realm"); realmURL != "" {
			cfg.Realm.URL = realmURL
		}
		if radius, _ := cmd.Flags().GetInt32("radius"); radius > 0 {
			cfg.Scene.Radius = radius
		}

		info := version.Get()
		pterm.DefaultHeader.WithFullWidth().Printf("Orbis %s", info.Version)
		pterm.Info.Printf("Realm:  %s\n", cfg.Realm.URL)
		pterm.Info.Printf("Cache:  %s (max %d MiB)\n", cfg.Cache.Dir, cfg.Cache.MaxBytes>>20)
		pterm.Info.Printf("Radius: %d parcels\n", cfg.Scene.Radius)

		c, err := client.New(client.Options{
			Config: cfg,
			Logger: logger.ComponentLogger("client"),
		})
		if err != nil {
			return err
		}
		pterm.Info.Printf("Identity: %s\n", c.Identity().Address())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pterm.Success.Println("Client starting; press Ctrl+C to stop")
		return c.Run(ctx)
	},
}

func init() {
	RunCmd.Flags().String("realm", "", "Realm URL (overrides config)")
	RunCmd.Flags().Int32("radius", 0, "Scene loading radius in parcels (overrides config)")
}
