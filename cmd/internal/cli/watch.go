package cli

import (
	"github.com/spf13/cobra"

	"clubhub/cmd/internal/app"
)

func newWatchCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected to the notification feed and serve metrics",
		Long: `Keep the realtime notification feed connected, storing every pushed
notification in the local cache, and serve /healthz, /readyz and /metrics
on metrics_addr until interrupted.`,
		Args: cobra.NoArgs,
		RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			return a.Watch(cmd.Context())
		}),
	}
}
