package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"clubhub/cmd/internal/app"
	"clubhub/cmd/internal/notify"
	clubapi "clubhub/shared/contracts/clubapi/v1"
)

func newNotificationsCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"n"},
		Short:   "List and acknowledge notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var cached bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Long: `List notifications, newest first. The server list is merged into the
local cache; when the server cannot answer the cached list is shown.`,
		Args: cobra.NoArgs,
		RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			var (
				items []clubapi.Notification
				err   error
			)
			if cached {
				items, err = a.Notifications().Cached(cmd.Context())
			} else {
				items, err = a.Notifications().List(cmd.Context())
			}
			if err != nil {
				return err
			}
			if rt.asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No notifications.")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, n := range items {
				mark := " "
				if !n.Read {
					mark = "*"
				}
				rows = append(rows, []string{mark, n.ID.String(), n.Type, orDash(n.Title), n.CreatedAt.Local().Format("2006-01-02 15:04")})
			}
			return table(cmd.OutOrStdout(), " \tID\tTYPE\tTITLE\tAT", rows)
		}),
	}
	list.Flags().BoolVar(&cached, "cached", false, "show the local cache without contacting the server")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "mark-read <id>",
			Short: "Mark one notification read",
			Args:  cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				if err := a.Notifications().MarkRead(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %s read.\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "mark-all-read",
			Short: "Mark every notification read",
			Args:  cobra.NoArgs,
			RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
				if err := a.Notifications().MarkAllRead(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All notifications marked read.")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "unread",
			Short: "Print the unread count from the local cache",
			Args:  cobra.NoArgs,
			RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
				items, err := a.Notifications().Cached(cmd.Context())
				if err != nil {
					return err
				}
				n := notify.UnreadCount(items)
				if rt.asJSON {
					return printJSON(cmd.OutOrStdout(), map[string]int{"unread": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}),
		},
	)
	return cmd
}
