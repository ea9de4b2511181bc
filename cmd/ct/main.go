package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/cache"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/config"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/db"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/migrate"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ct",
	Short: "Condition tracker CLI",
	Long: `ct keeps battle-map condition timers visible to the whole table.
It projects urgency summaries from live token state, tracks who has seen
what, chronicles every timer change, and shares consent-scoped read-only
views outside the group.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("group", "", "group id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("group", rootCmd.PersistentFlags().Lookup("group"))
}

func registerCommands() {
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(adjustCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(consentCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

func newID() string {
	return uuid.NewString()
}

func newLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newCache(cfg), newLogger())
	return fn(ctx, e)
}

func newCache(cfg *config.Config) cache.SummaryCache {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedis(cfg.Cache.RedisAddr, cfg.CacheTTL())
	}
	return cache.NewMemory(cfg.CacheTTL())
}

func requireGroup() (string, error) {
	group := viper.GetString("group")
	if group == "" {
		return "", fmt.Errorf("--group required")
	}
	return group, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage groups, members, and tokens"}
	grp.AddCommand(groupCreateCmd())
	grp.AddCommand(groupListCmd())
	grp.AddCommand(memberAddCmd())
	grp.AddCommand(tokenSetCmd())
	return grp
}

func groupCreateCmd() *cobra.Command {
	var name, quietStart, quietEnd string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				g := domain.Group{
					ID:        newID(),
					Name:      name,
					CreatedAt: now,
				}
				if quietStart != "" {
					g.QuietHoursStart = &quietStart
				}
				if quietEnd != "" {
					g.QuietHoursEnd = &quietEnd
				}
				if err := e.Repo.InsertGroup(ctx, g); err != nil {
					return err
				}
				owner := domain.GroupMember{GroupID: g.ID, UserID: viper.GetString("user-id"), Role: "owner", JoinedAt: now}
				if err := e.Repo.UpsertMember(ctx, owner); err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&quietStart, "quiet-start", "", "quiet hours start (HH:MM)")
	cmd.Flags().StringVar(&quietEnd, "quiet-end", "", "quiet hours end (HH:MM)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				groups, err := e.Repo.ListGroups(ctx)
				if err != nil {
					return err
				}
				return printJSON(groups)
			})
		},
	}
}

func memberAddCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "member-add",
		Short: "Add or update a group member",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m := domain.GroupMember{
					GroupID:  group,
					UserID:   userID,
					Role:     role,
					JoinedAt: e.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.UpsertMember(ctx, m); err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "player", "role (owner, dungeon_master, player)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenSetCmd() *cobra.Command {
	var tokenID, name, owner, faction, condition string
	var rounds int
	cmd := &cobra.Command{
		Use:   "token-set",
		Short: "Upsert a map token, optionally setting one condition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if tokenID == "" {
					tokenID = newID()
				}
				t := domain.MapToken{ID: tokenID, GroupID: group, OwnerID: owner, Name: name, Faction: faction}
				if err := e.Repo.UpsertToken(ctx, t); err != nil {
					return err
				}
				if condition != "" {
					if rounds < 1 {
						return fmt.Errorf("--rounds must be >= 1")
					}
					if err := e.Repo.SetCondition(ctx, tokenID, condition, rounds); err != nil {
						return err
					}
				}
				e.Invalidate(ctx, group)
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&tokenID, "id", "", "token id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "token name")
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	cmd.Flags().StringVar(&faction, "faction", "", "faction")
	cmd.Flags().StringVar(&condition, "condition", "", "condition key to set")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "rounds remaining for --condition")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func summaryCmd() *cobra.Command {
	sum := &cobra.Command{Use: "summary", Short: "Condition summaries"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the summary for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.SummaryFor(ctx, group, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute the summary and emit escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				summary, escalations, err := e.Refresh(ctx, group)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"summary": summary, "escalations": escalations})
			})
		},
	}
	sum.AddCommand(show, refresh)
	return sum
}

func ackCmd() *cobra.Command {
	var tokenID, condition, generatedAt string
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a condition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if generatedAt == "" {
					s, err := e.Current(ctx, group)
					if err != nil {
						return err
					}
					generatedAt = s.GeneratedAt
				}
				res, err := e.Acknowledge(ctx, engine.AckInput{
					GroupID:            group,
					TokenID:            tokenID,
					UserID:             viper.GetString("user-id"),
					ConditionKey:       condition,
					SummaryGeneratedAt: generatedAt,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&tokenID, "token", "", "token id")
	cmd.Flags().StringVar(&condition, "condition", "", "condition key")
	cmd.Flags().StringVar(&generatedAt, "generated-at", "", "summary generation being acknowledged (defaults to current)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("condition")
	return cmd
}

func adjustCmd() *cobra.Command {
	var tokenID, condition, reason string
	var delta, setTo, expected int
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Adjust a condition timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			adj := engine.Adjustment{TokenID: tokenID, ConditionKey: condition, Reason: reason}
			if cmd.Flags().Changed("delta") {
				adj.Delta = &delta
			}
			if cmd.Flags().Changed("set-to") {
				adj.SetTo = &setTo
			}
			if cmd.Flags().Changed("expected") {
				adj.ExpectedRounds = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				outcomes, err := e.ApplyAdjustments(ctx, group, viper.GetString("user-id"), []engine.Adjustment{adj})
				if err != nil {
					return err
				}
				return printJSON(outcomes)
			})
		},
	}
	cmd.Flags().StringVar(&tokenID, "token", "", "token id")
	cmd.Flags().StringVar(&condition, "condition", "", "condition key")
	cmd.Flags().IntVar(&delta, "delta", 0, "rounds to add (negative to subtract)")
	cmd.Flags().IntVar(&setTo, "set-to", 0, "absolute rounds value")
	cmd.Flags().IntVar(&expected, "expected", 0, "guard: expected current rounds")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (defaults to manual_adjustment)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("condition")
	return cmd
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Advance one combat round for the group",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				outcomes, err := e.TickRound(ctx, group, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(outcomes)
			})
		},
	}
}

func consentCmd() *cobra.Command {
	var userID, action, visibility, source, notes string
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Record a consent decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			actor := viper.GetString("user-id")
			if userID == "" {
				userID = actor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.RecordConsent(ctx, engine.ConsentInput{
					GroupID:    group,
					UserID:     userID,
					RecordedBy: actor,
					Action:     action,
					Visibility: visibility,
					Source:     source,
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the consent applies to (defaults to acting user)")
	cmd.Flags().StringVar(&action, "action", "granted", "granted or revoked")
	cmd.Flags().StringVar(&visibility, "visibility", "counts", "counts or details")
	cmd.Flags().StringVar(&source, "source", "cli", "where the decision was given")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func shareCmd() *cobra.Command {
	share := &cobra.Command{Use: "share", Short: "Share links"}
	share.AddCommand(shareCreateCmd())
	share.AddCommand(shareListCmd())
	share.AddCommand(shareRevokeCmd())
	return share
}

func shareCreateCmd() *cobra.Command {
	var visibility, expiresAt, preset string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a share link",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			in := engine.ShareInput{
				GroupID:        group,
				CreatedBy:      viper.GetString("user-id"),
				VisibilityMode: visibility,
			}
			if expiresAt != "" {
				in.ExpiresAt = &expiresAt
			}
			if preset != "" {
				in.PresetKey = &preset
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateShare(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "counts", "counts or details")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "RFC 3339 expiry")
	cmd.Flags().StringVar(&preset, "preset", "", "preset key")
	return cmd
}

func shareListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List share links",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				shares, err := e.Shares(ctx, group, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(shares)
			})
		},
	}
}

func shareRevokeCmd() *cobra.Command {
	var shareID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a share link",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RevokeShare(ctx, group, shareID, viper.GetString("user-id")); err != nil {
					return err
				}
				fmt.Println("revoked", shareID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shareID, "id", "", "share id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func exportCmd() *cobra.Command {
	export := &cobra.Command{Use: "export", Short: "Exports"}
	export.AddCommand(exportRequestCmd())
	export.AddCommand(exportRunCmd())
	export.AddCommand(exportListCmd())
	return export
}

func exportRequestCmd() *cobra.Command {
	var format, visibility string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Queue an export",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				req, err := e.RequestExport(ctx, engine.ExportInput{
					GroupID:        group,
					RequestedBy:    viper.GetString("user-id"),
					Format:         format,
					VisibilityMode: visibility,
				})
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "csv or json")
	cmd.Flags().StringVar(&visibility, "visibility", "counts", "counts or details")
	return cmd
}

func exportRunCmd() *cobra.Command {
	var exportID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a queued export in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ProcessExport(ctx, exportID); err != nil {
					return err
				}
				req, err := e.Repo.GetExport(ctx, exportID)
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&exportID, "id", "", "export id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func exportListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				exports, err := e.Repo.ListExports(ctx, group, limit)
				if err != nil {
					return err
				}
				return printJSON(exports)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of exports")
	return cmd
}

func webhookCmd() *cobra.Command {
	hook := &cobra.Command{Use: "webhook", Short: "Webhook endpoints"}
	var url, secret string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				registered, err := e.RegisterWebhook(ctx, engine.WebhookInput{
					GroupID:   group,
					CreatedBy: viper.GetString("user-id"),
					URL:       url,
					Secret:    secret,
				})
				if err != nil {
					return err
				}
				return printJSON(registered)
			})
		},
	}
	add.Flags().StringVar(&url, "url", "", "endpoint URL")
	add.Flags().StringVar(&secret, "secret", "", "signing secret (generated when empty)")
	_ = add.MarkFlagRequired("url")
	list := &cobra.Command{
		Use:   "list",
		Short: "List webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				hooks, err := e.Webhooks(ctx, group, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(hooks)
			})
		},
	}
	disable := &cobra.Command{
		Use:   "disable <webhook-id>",
		Short: "Deactivate a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := requireGroup()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeactivateWebhook(ctx, group, args[0], viper.GetString("user-id")); err != nil {
					return err
				}
				fmt.Println("deactivated", args[0])
				return nil
			})
		},
	}
	hook.AddCommand(add, list, disable)
	return hook
}

func maintenanceCmd() *cobra.Command {
	maint := &cobra.Command{Use: "maintenance", Short: "Sharing-surface health"}
	maint.AddCommand(maintenanceReportCmd())
	return maint
}

func maintenanceReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the maintenance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var reports []engine.MaintenanceReport
				if group := viper.GetString("group"); group != "" {
					report, err := e.MaintenanceSnapshot(ctx, group)
					if err != nil {
						return err
					}
					reports = append(reports, report)
				} else {
					var err error
					reports, err = e.MaintenanceSweep(ctx)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "State", "Live Shares", "Next Expiry", "Quiet Access", "Pending Consents", "Reasons"})
				for _, r := range reports {
					expiry := "-"
					if r.NextExpiry != nil {
						expiry = *r.NextExpiry
					}
					tw.AppendRow(table.Row{
						r.GroupName,
						r.State,
						r.LiveShares,
						expiry,
						fmt.Sprintf("%.0f%%", r.QuietAccessRatio*100),
						len(r.PendingConsents),
						strings.Join(r.Reasons, "; "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var evtType, entityKind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetString("group"), evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	log.AddCommand(tail)
	return log
}

// seedCmd loads a small demo table so the API has something to serve.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				owner := viper.GetString("user-id")
				g := domain.Group{ID: newID(), Name: "Demo Party", CreatedAt: now}
				if err := e.Repo.InsertGroup(ctx, g); err != nil {
					return err
				}
				members := []domain.GroupMember{
					{GroupID: g.ID, UserID: owner, Role: "owner", JoinedAt: now},
					{GroupID: g.ID, UserID: "gm", Role: "dungeon_master", JoinedAt: now},
					{GroupID: g.ID, UserID: "aria", Role: "player", JoinedAt: now},
					{GroupID: g.ID, UserID: "brick", Role: "player", JoinedAt: now},
				}
				for _, m := range members {
					if err := e.Repo.UpsertMember(ctx, m); err != nil {
						return err
					}
				}
				tokens := []struct {
					token      domain.MapToken
					conditions map[string]int
				}{
					{domain.MapToken{ID: newID(), GroupID: g.ID, OwnerID: "aria", Name: "Aria", Faction: "party"}, map[string]int{"blessed": 6}},
					{domain.MapToken{ID: newID(), GroupID: g.ID, OwnerID: "brick", Name: "Brick", Faction: "party"}, map[string]int{"poisoned": 3, "shield_of_faith": 8}},
					{domain.MapToken{ID: newID(), GroupID: g.ID, OwnerID: "gm", Name: "Goblin Chief", Faction: "hostile"}, map[string]int{"stunned": 1}},
				}
				for _, t := range tokens {
					if err := e.Repo.UpsertToken(ctx, t.token); err != nil {
						return err
					}
					for key, rounds := range t.conditions {
						if err := e.Repo.SetCondition(ctx, t.token.ID, key, rounds); err != nil {
							return err
						}
					}
				}
				briefing := domain.MentorBriefing{
					ID:          newID(),
					GroupID:     g.ID,
					Status:      "completed",
					Moderation:  "approved",
					Text:        "The party pressed into the warrens at dawn.\nBrick shrugged off the worst of the poison.\nThe goblin chief still reels from Aria's last strike.",
					GeneratedAt: now,
				}
				if err := e.Repo.InsertBriefing(ctx, briefing); err != nil {
					return err
				}
				fmt.Println("seeded group", g.ID)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := newLogger()
			e := engine.New(conn, cfg, newCache(cfg), logger)
			e.StartExportWorker(cmd.Context())

			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("CT_JWT_SECRET"),
				AllowLegacyUserHeader: os.Getenv("CT_ALLOW_LEGACY_USER_HEADER") == "1",
				Logger:                logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyUserHeader {
				return fmt.Errorf("CT_JWT_SECRET is required for bearer auth (or set CT_ALLOW_LEGACY_USER_HEADER=1)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			sched := cron.New()
			if _, err := sched.AddFunc(cfg.Schedule.Refresh, func() {
				refreshAll(cmd.Context(), e, logger)
			}); err != nil {
				return fmt.Errorf("invalid schedule.refresh: %w", err)
			}
			if _, err := sched.AddFunc(cfg.Schedule.Maintenance, func() {
				if _, err := e.MaintenanceSweep(cmd.Context()); err != nil {
					logger.Error("maintenance sweep", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid schedule.maintenance: %w", err)
			}
			sched.Start()
			defer sched.Stop()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving condition tracker API", "addr", addr, "base_path", basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func refreshAll(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	groups, err := e.Repo.ListGroups(ctx)
	if err != nil {
		logger.Error("list groups for scheduled refresh", "error", err)
		return
	}
	for _, g := range groups {
		if _, _, err := e.Refresh(ctx, g.ID); err != nil {
			logger.Error("scheduled refresh", "group", g.ID, "error", err)
		}
		if err := e.EnqueuePending(ctx, g.ID); err != nil {
			logger.Error("requeue pending exports", "group", g.ID, "error", err)
		}
	}
}
