// Package cli is the clubhub command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clubhub/cmd/internal/app"
	"clubhub/cmd/internal/auth/session"
)

// runtime is shared by every command of one invocation.
type runtime struct {
	cfgFile   string
	apiURL    string
	storeKind string
	storePath string
	logLevel  string
	logFormat string
	asJSON    bool

	stderr io.Writer
	app    *app.App
	nav    *navigator
}

// NewRootCmd builds the command tree. Tests call it directly; main uses Execute.
func NewRootCmd() *cobra.Command {
	rt := &runtime{stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "clubhub",
		Short: "University club platform client",
		Long: `clubhub is the command-line client of the university club platform.

It keeps your session alive across commands, queues membership requests
while the server is unreachable and caches notifications locally so the
last known state is always available.

Configuration is read from a YAML file (--config or CLUBHUB_CONFIG),
overridden by CLUBHUB_* environment variables and finally by flags.

Examples:
  clubhub login --user ada@uni.edu
  clubhub membership join 7 --message "Keen on robotics"
  clubhub notifications list
  clubhub watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipsApp(cmd) {
				return nil
			}
			rt.stderr = cmd.ErrOrStderr()
			return rt.open(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rt.cfgFile, "config", "", "config file (default $CLUBHUB_CONFIG)")
	pf.StringVar(&rt.apiURL, "api", "", "API base URL (overrides api_base_url)")
	pf.StringVar(&rt.storeKind, "store", "", "fallback store driver: memory, file or postgres")
	pf.StringVar(&rt.storePath, "store-path", "", "state file for the file store")
	pf.StringVar(&rt.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&rt.logFormat, "log-format", "", "log format: json, pretty or text")
	pf.BoolVar(&rt.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newLoginCmd(rt),
		newLogoutCmd(rt),
		newWhoamiCmd(rt),
		newMembershipCmd(rt),
		newNotificationsCmd(rt),
		newWatchCmd(rt),
	)
	return root
}

// Execute runs the root command with SIGINT/SIGTERM cancellation.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", explain(err))
	}
	return err
}

func skipsApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "help" || c.Name() == "completion" {
			return true
		}
	}
	return !cmd.Runnable() || cmd.HasSubCommands()
}

// open loads config with flag overrides and builds the App.
func (rt *runtime) open(cmd *cobra.Command) error {
	cfg, err := app.LoadConfig(rt.cfgFile)
	if err != nil {
		return err
	}
	if rt.apiURL != "" {
		cfg.APIBaseURL = rt.apiURL
	}
	if rt.storeKind != "" {
		cfg.Store.Driver = rt.storeKind
	}
	if rt.storePath != "" {
		cfg.Store.Path = rt.storePath
	}
	if rt.logLevel != "" {
		cfg.Log.Level = rt.logLevel
	}
	if rt.logFormat != "" {
		cfg.Log.Format = rt.logFormat
	}

	log := app.NewLogger(cfg.Log.Level, cfg.Log.Format, rt.stderr)
	rt.nav = &navigator{out: rt.stderr, onAuth: cmd.Name() == "login"}

	opts := []app.Option{app.WithNavigator(rt.nav)}
	if cmd.Name() == "watch" || cmd.Name() == "whoami" {
		opts = append(opts, app.WithRestoreValidation())
	}
	a, err := app.New(cmd.Context(), cfg, log, opts...)
	if err != nil {
		return err
	}
	rt.app = a
	a.Session().Subscribe(func(ev session.Event) {
		if ev.Reason != session.ReasonLogout {
			fmt.Fprintf(rt.stderr, "session ended: %s\n", ev.Reason)
		}
	})
	return nil
}

// run wraps a command body so the App is always released.
func (rt *runtime) run(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer rt.close()
		if rt.app == nil {
			return fmt.Errorf("%s: client not initialised", cmd.CommandPath())
		}
		return fn(cmd, args, rt.app)
	}
}

func (rt *runtime) close() {
	if rt.app != nil {
		rt.app.Close()
		rt.app = nil
	}
}
