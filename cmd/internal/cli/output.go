package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"clubhub/cmd/internal/auth/session"
	"clubhub/cmd/internal/apierr"
)

// navigator reports login redirects on stderr. The login command itself is
// the auth view.
type navigator struct {
	out    io.Writer
	onAuth bool
}

func (n *navigator) OnAuthView() bool { return n.onAuth }

func (n *navigator) RedirectToLogin(reason string) {
	fmt.Fprintf(n.out, "login required (%s): run `clubhub login`\n", reason)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, header string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// explain renders err with a next step when one is obvious.
func explain(err error) string {
	var hint string
	switch {
	case apierr.RequiresLogin(err), apierr.IsAuthExpired(err):
		hint = "run `clubhub login`"
	case apierr.IsNetwork(err):
		hint = "check api_base_url or your connection; queued work is kept locally"
	}
	if hint == "" {
		return err.Error()
	}
	return err.Error() + "\n  hint: " + hint
}

func sessionView(s session.Session) map[string]any {
	v := map[string]any{
		"userId": s.UserID,
		"role":   string(s.Role),
		"name":   s.Profile.Name,
		"email":  s.Profile.Email,
	}
	if !s.ExpiresAt.IsZero() {
		v["expiresAt"] = s.ExpiresAt
	}
	return v
}
