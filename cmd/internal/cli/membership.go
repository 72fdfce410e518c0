package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"clubhub/cmd/internal/app"
	"clubhub/cmd/internal/membership"
)

func newMembershipCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "membership",
		Aliases: []string{"m"},
		Short:   "Join, leave and review club memberships",
		Long: `Join, leave and review club memberships.

Join requests are stored locally before they are sent, so a request made
while the server is unreachable is reported as pending and kept in the
local queue (see "membership queued").

Subcommands:
  check    Show your membership status in a club
  join     Request to join a club
  cancel   Withdraw a pending join request
  leave    Leave a club
  pending  List pending requests of a club you run
  approve  Approve a join request
  reject   Reject a join request
  queued   List locally queued join requests`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var message string
	join := &cobra.Command{
		Use:   "join <club-id>",
		Short: "Request to join a club",
		Args:  cobra.ExactArgs(1),
		RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
			st, err := a.Membership().Join(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			return rt.printStatus(cmd.OutOrStdout(), st)
		}),
	}
	join.Flags().StringVarP(&message, "message", "m", "", "message for the club president")

	var reviewClub string
	review := func(use, short string, approve bool) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <request-id>",
			Short: short,
			Long: short + `.

Pass --club so the request and your role in that club are loaded first;
without it only platform officers (admin, manager, president role) may review.`,
			Args: cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				m := a.Membership()
				if reviewClub != "" {
					m.Check(cmd.Context(), reviewClub)
					if _, err := m.Pending(cmd.Context(), reviewClub); err != nil {
						return err
					}
				}
				var (
					st  membership.Status
					err error
				)
				if approve {
					st, err = m.Approve(cmd.Context(), args[0])
				} else {
					st, err = m.Reject(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				if rt.asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request %s %sd.\n", args[0], use)
				return nil
			}),
		}
		c.Flags().StringVar(&reviewClub, "club", "", "club the request belongs to")
		return c
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "check <club-id>",
			Short: "Show your membership status in a club",
			Args:  cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				return rt.printStatus(cmd.OutOrStdout(), a.Membership().Check(cmd.Context(), args[0]))
			}),
		},
		join,
		&cobra.Command{
			Use:   "cancel <club-id>",
			Short: "Withdraw a pending join request",
			Args:  cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				st, err := a.Membership().Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rt.printStatus(cmd.OutOrStdout(), st)
			}),
		},
		&cobra.Command{
			Use:   "leave <club-id>",
			Short: "Leave a club",
			Long:  "Leave a club. The club president cannot leave their own club.",
			Args:  cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				st, err := a.Membership().Leave(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rt.printStatus(cmd.OutOrStdout(), st)
			}),
		},
		&cobra.Command{
			Use:   "pending <club-id>",
			Short: "List pending requests of a club",
			Args:  cobra.ExactArgs(1),
			RunE: rt.run(func(cmd *cobra.Command, args []string, a *app.App) error {
				reqs, err := a.Membership().Pending(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rt.asJSON {
					return printJSON(cmd.OutOrStdout(), reqs)
				}
				if len(reqs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending requests.")
					return nil
				}
				rows := make([][]string, 0, len(reqs))
				for _, r := range reqs {
					rows = append(rows, []string{r.ID, r.UserID, orDash(r.UserName), string(r.Status), orDash(r.Message)})
				}
				return table(cmd.OutOrStdout(), "ID\tUSER\tNAME\tSTATUS\tMESSAGE", rows)
			}),
		},
		review("approve", "Approve a join request", true),
		review("reject", "Reject a join request", false),
		&cobra.Command{
			Use:   "queued",
			Short: "List locally queued join requests",
			Args:  cobra.NoArgs,
			RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
				qs, err := a.Membership().Queued(cmd.Context())
				if err != nil {
					return err
				}
				if rt.asJSON {
					return printJSON(cmd.OutOrStdout(), qs)
				}
				if len(qs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queued requests.")
					return nil
				}
				rows := make([][]string, 0, len(qs))
				for _, q := range qs {
					rows = append(rows, []string{q.ClubID, q.RequestID, string(q.Status), q.RequestDate.Local().Format("2006-01-02 15:04")})
				}
				return table(cmd.OutOrStdout(), "CLUB\tREQUEST\tSTATUS\tSINCE", rows)
			}),
		},
	)
	return cmd
}

func (rt *runtime) printStatus(w io.Writer, st membership.Status) error {
	if rt.asJSON {
		return printJSON(w, st)
	}
	state := "not a member"
	switch {
	case st.IsMember:
		state = "member (" + st.RoleName() + ")"
	case st.IsPending:
		state = "request pending"
	}
	_, err := fmt.Fprintf(w, "Club %s: %s\n", st.ClubID, state)
	return err
}
