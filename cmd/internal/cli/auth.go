package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"clubhub/cmd/internal/app"
)

func newLoginCmd(rt *runtime) *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Long: `Log in with an email address or a username.

The password is read from --password, then CLUBHUB_PASSWORD, then the first
line of stdin. The token pair is stored in the fallback store (sealed when
store.seal_key is set) and refreshed automatically by later commands.

Examples:
  clubhub login --user ada@uni.edu
  echo "$PW" | clubhub login --user ada`,
		Args: cobra.NoArgs,
		RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if user == "" {
				return errors.New("--user is required")
			}
			pw := password
			if pw == "" {
				pw = os.Getenv("CLUBHUB_PASSWORD")
			}
			if pw == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required (--password, CLUBHUB_PASSWORD or stdin)")
				}
				pw = strings.TrimRight(line, "\r\n")
			}

			s, err := a.Login(cmd.Context(), user, pw)
			if err != nil {
				return err
			}
			if rt.asJSON {
				return printJSON(cmd.OutOrStdout(), sessionView(s))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (user %s, role %s)\n", orDash(s.Profile.Name), s.UserID, orDash(string(s.Role)))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "email or username")
	cmd.Flags().StringVar(&password, "password", "", "password (prefer CLUBHUB_PASSWORD or stdin)")
	return cmd
}

func newLogoutCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear cached credentials",
		Args:  cobra.NoArgs,
		RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if a.Session().Logout(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}),
	}
}

func newWhoamiCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Long: `Show the current session. The cached token is checked with the
server first; a token the server rejects is cleared.`,
		Args: cobra.NoArgs,
		RunE: rt.run(func(cmd *cobra.Command, _ []string, a *app.App) error {
			s, ok := a.Session().Session()
			if !ok {
				if rt.asJSON {
					return printJSON(cmd.OutOrStdout(), map[string]any{"authenticated": false})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
				return nil
			}
			if rt.asJSON {
				v := sessionView(s)
				v["authenticated"] = true
				return printJSON(cmd.OutOrStdout(), v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User:  %s\nName:  %s\nEmail: %s\nRole:  %s\n",
				s.UserID, orDash(s.Profile.Name), orDash(s.Profile.Email), orDash(string(s.Role)))
			if !s.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Until: %s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		}),
	}
}
