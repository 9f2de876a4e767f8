package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/linkdeal/internal/config"
	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/linking"
	"github.com/jmerrifield20/linkdeal/internal/maintenance"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the services a command runs against.
type app struct {
	users   *users.Service
	cleaner *maintenance.Cleaner
	close   func()
}

// opener builds the app for a command invocation.
type opener func(ctx context.Context, cfgFile string) (*app, error)

func openApp(ctx context.Context, cfgFile string) (*app, error) {
	var paths []string
	if cfgFile != "" {
		paths = append(paths, cfgFile)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	provider, err := idp.NewClient(cfg.Provider(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	tx := database.NewTransactor(db)
	mailer := cfg.NewMailer(logger)
	userSvc := users.NewService(users.NewRepository(db), tx, provider, mailer, cfg.Server.FrontendURL, logger)
	linkSvc := linking.NewService(linking.NewRepository(db), tx, userSvc, provider, mailer, cfg.Server.FrontendURL, logger)
	cleaner := maintenance.NewCleaner(userSvc, linkSvc, logger,
		maintenance.WithLinkingRetention(cfg.Maintenance.LinkingRetention))

	return &app{
		users:   userSvc,
		cleaner: cleaner,
		close: func() {
			db.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var (
		cfgFile string
		actorAs string
		a       *app
	)

	root := &cobra.Command{
		Use:   "linkdeal",
		Short: "LinkDeal administration CLI",
		Long: `linkdeal runs moderation and maintenance tasks directly against the
LinkDeal database and identity provider.

Moderation commands act on behalf of an admin account given with --as.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			a, err = open(cmd.Context(), cfgFile)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil && a.close != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./linkdeal.yaml or ./configs/linkdeal.yaml)")
	root.PersistentFlags().StringVar(&actorAs, "as", "", "email of the admin account performing moderation")

	// actor resolves --as to an admin account.
	actor := func(ctx context.Context) (*users.User, error) {
		if actorAs == "" {
			return nil, errors.New("--as is required for moderation commands")
		}
		u, err := a.users.FindByEmail(ctx, actorAs)
		if err != nil {
			return nil, fmt.Errorf("resolve --as %q: %w", actorAs, err)
		}
		return u, nil
	}
	svc := func() *app { return a }

	root.AddCommand(
		newUsersCmd(svc, actor),
		newMentorsCmd(svc, actor),
		newTokensCmd(svc),
		newVersionCmd(),
	)
	return root
}

type actorFunc func(ctx context.Context) (*users.User, error)

// ── users ────────────────────────────────────────────────────────────────────

func newUsersCmd(svc func() *app, actor actorFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List and moderate user accounts",
	}

	var (
		filter users.ListFilter
		role   string
		format string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Role = users.Role(role)
			found, err := svc().users.ListUsers(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), found)
			}
			printUsers(cmd.OutOrStdout(), found)
			return nil
		},
	}
	list.Flags().StringVar(&role, "role", "", "filter by role")
	list.Flags().StringVar(&filter.Email, "email", "", "filter by email substring")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	list.Flags().StringVar(&format, "format", "text", "output format: text or json")

	var reason string
	ban := &cobra.Command{
		Use:   "ban <user-id>",
		Short: "Ban a mentor or mentee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return moderate(cmd, actor, args[0], func(ctx context.Context, by *users.User, id uuid.UUID) error {
				return svc().users.BanUser(ctx, by, id, reason)
			}, "banned")
		},
	}
	ban.Flags().StringVar(&reason, "reason", "", "reason included in the notification email")

	unban := &cobra.Command{
		Use:   "unban <user-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return moderate(cmd, actor, args[0], func(ctx context.Context, by *users.User, id uuid.UUID) error {
				return svc().users.UnbanUser(ctx, by, id)
			}, "unbanned")
		},
	}

	cmd.AddCommand(list, ban, unban)
	return cmd
}

// ── mentors ──────────────────────────────────────────────────────────────────

func newMentorsCmd(svc func() *app, actor actorFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mentors",
		Short: "Approve or reject mentor applications",
	}

	approve := &cobra.Command{
		Use:   "approve <user-id>",
		Short: "Approve a pending or rejected mentor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return moderate(cmd, actor, args[0], func(ctx context.Context, by *users.User, id uuid.UUID) error {
				_, err := svc().users.ApproveMentor(ctx, by, id)
				return err
			}, "approved")
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:   "reject <user-id>",
		Short: "Reject a pending mentor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return moderate(cmd, actor, args[0], func(ctx context.Context, by *users.User, id uuid.UUID) error {
				_, err := svc().users.RejectMentor(ctx, by, id, reason)
				return err
			}, "rejected")
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "reason included in the notification email")

	cmd.AddCommand(approve, reject)
	return cmd
}

func moderate(cmd *cobra.Command, actor actorFunc, rawID string, fn func(context.Context, *users.User, uuid.UUID) error, done string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid user id %q", rawID)
	}
	by, err := actor(cmd.Context())
	if err != nil {
		return err
	}
	if err := fn(cmd.Context(), by, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, done)
	return nil
}

// ── tokens ───────────────────────────────────────────────────────────────────

func newTokensCmd(svc func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Maintain email and account-linking tokens",
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired tokens and stale linking records",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := svc().cleaner.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d tokens, %d linking records\n", stats.Tokens, stats.Linking)
			return err
		},
	}
	cmd.AddCommand(purge)
	return cmd
}

// ── version ──────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the linkdeal CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linkdeal %s\n", version)
		},
	}
}

// ── output ───────────────────────────────────────────────────────────────────

func printUsers(out io.Writer, list []*users.User) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tROLE\tSTATUS\tCREATED")
	for _, u := range list {
		role := string(u.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, role, u.Status, u.CreatedAt.Format("2006-01-02"))
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
