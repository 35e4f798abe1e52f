package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/reconcile"
	"github.com/certroot/certroot/internal/verify"
)

// errNotCertified makes "certroot verify" exit non-zero for unknown content.
var errNotCertified = errors.New("content is not certified")

// withApp runs fn against a fully wired app and releases it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── reconcile ────────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over the input directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			sum, err := a.engine.TryRun(ctx)
			if errors.Is(err, reconcile.ErrPassInProgress) {
				return fmt.Errorf("another process is reconciling %s: %w", a.cfg.Storage.InputDir, err)
			}
			if sum != nil {
				if perr := printJSON(sum); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if len(sum.Failed) > 0 {
				return fmt.Errorf("%d file(s) failed and will be retried", len(sum.Failed))
			}
			return nil
		})
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check whether a file's content was certified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res := a.verify.Verify(ctx, f)
			if err := printJSON(res); err != nil {
				return err
			}
			switch res.Status {
			case verify.StatusOriginal:
				return nil
			case verify.StatusNoMatch:
				return errNotCertified
			default:
				return fmt.Errorf("verification %s", res.Status)
			}
		})
	},
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts of the ledger, audit log and mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			src := a.statsSources()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tRECORDS")
			for _, row := range []struct {
				name  string
				count func(context.Context) (int, error)
			}{
				{"ledger", src.LedgerRecords},
				{"audit log", src.AuditEntries},
				{"mirror", src.MirrorRecords},
			} {
				n, err := row.count(ctx)
				if err != nil {
					fmt.Fprintf(w, "%s\terror: %v\n", row.name, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\n", row.name, n)
			}
			fmt.Fprintf(w, "input directory\t%s\n", src.UploadFolder)
			return w.Flush()
		})
	},
}

// ── rebuild-mirror ───────────────────────────────────────────────────────────

var rebuildMirrorCmd = &cobra.Command{
	Use:   "rebuild-mirror",
	Short: "Repopulate the mirror from the audit log, checking every record against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			sum, err := a.engine.TryRebuild(ctx)
			if errors.Is(err, reconcile.ErrPassInProgress) {
				return fmt.Errorf("a reconciliation pass is running: %w", err)
			}
			if err != nil {
				return err
			}
			if err := printJSON(sum); err != nil {
				return err
			}
			if len(sum.Faults) > 0 {
				return fmt.Errorf("%d record(s) are not backed by the ledger", len(sum.Faults))
			}
			return nil
		})
	},
}

// ── admin ────────────────────────────────────────────────────────────────────

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage operator accounts",
}

var (
	adminUsername string
	adminPassword string
	adminEmail    string
	adminFullName string
)

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an operator account",
	Long: `Create an operator account. The HTTP register endpoint requires an
existing admin token, so the first account is always created here.
When --password is omitted the password is read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := adminPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		return withApp(func(ctx context.Context, a *app) error {
			created, err := a.admins.Register(ctx, adminUsername, password, adminEmail, adminFullName)
			if err != nil {
				return err
			}
			a.logger.Info("admin created", zap.String("admin_id", created.ID.String()))
			fmt.Printf("created admin %s (%s)\n", created.Username, created.ID)
			return nil
		})
	},
}

func init() {
	adminCreateCmd.Flags().StringVar(&adminUsername, "username", "", "login name (required)")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "password (read from stdin when empty)")
	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "contact email (required)")
	adminCreateCmd.Flags().StringVar(&adminFullName, "full-name", "", "display name (required)")
	_ = adminCreateCmd.MarkFlagRequired("username")
	_ = adminCreateCmd.MarkFlagRequired("email")
	_ = adminCreateCmd.MarkFlagRequired("full-name")

	adminCmd.AddCommand(adminCreateCmd)
}
