package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/accounts"
	"caseace/pkg/docs"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run AutoMigrate and seeding, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.DBAutoMigrate = true
			if err := boot(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("migration and seeding completed")
			return nil
		},
	}
}

func createUserCmd() *cobra.Command {
	var role, name string
	cmd := &cobra.Command{
		Use:   "create-user <email> <password>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := boot(cmd.Context()); err != nil {
				return err
			}
			if name == "" {
				name = strings.SplitN(args[0], "@", 2)[0]
			}
			u, err := app.accounts.CreateUser(cmd.Context(), accounts.CreateUserRequest{
				Email: args[0], Password: args[1], Name: name, Role: role,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s %s (id=%d)\n", u.Role, u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleAssociate), "PARTNER, ASSOCIATE, PARALEGAL or CLIENT")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the email's local part)")
	return cmd
}

func resetPasswordCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := boot(cmd.Context()); err != nil {
				return err
			}
			if err := app.accounts.ResetPassword(cmd.Context(), email, password); err != nil {
				return err
			}
			fmt.Printf("password updated for %s\n", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email of the user")
	cmd.Flags().StringVar(&password, "password", "", "new plaintext password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// billingCmd exposes the firm-wide billing jobs for cron.
func billingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "billing", Short: "Batch billing jobs"}
	job := func(use, short string, run func(ctx context.Context) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := boot(cmd.Context()); err != nil {
					return err
				}
				res, err := run(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			},
		}
	}
	cmd.AddCommand(
		job("bulk-drafts", "Draft one invoice per client from unbilled time", func(ctx context.Context) (any, error) {
			return app.billing.BulkDraftInvoices(ctx)
		}),
		job("consolidate", "Merge duplicate drafts of the same case and client", func(ctx context.Context) (any, error) {
			return app.billing.ConsolidateDrafts(ctx)
		}),
		job("mark-overdue", "Flag unpaid invoices past their due date", func(ctx context.Context) (any, error) {
			n, err := app.billing.MarkOverdue(ctx)
			return map[string]int64{"updated": n}, err
		}),
	)
	return cmd
}

func reportCmd() *cobra.Command {
	var month string
	var list bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the financial report of a month",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := boot(cmd.Context()); err != nil {
				return err
			}
			r, err := app.analytics.MonthlyReport(cmd.Context(), month)
			if err != nil {
				return err
			}
			return r.Write(os.Stdout, list)
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month to report (YYYY-MM)")
	cmd.Flags().BoolVar(&list, "list", false, "list every invoice and payment")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

// inboxCmd imports what is already waiting in the inbox folder and then
// watches it until interrupted.
func inboxCmd() *cobra.Command {
	var dir, as string
	var workers int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Import files dropped into <dir>/<caseId>/",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := boot(cmd.Context()); err != nil {
				return err
			}
			var actor models.User
			err := db.WithContext(cmd.Context()).Where("email = ?", strings.ToLower(strings.TrimSpace(as))).First(&actor).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("no user with email %s", as)
			}
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			in := docs.NewInbox(app.docs, dir, &actor)
			in.Workers = workers
			n, err := in.Scan(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("imported", n).Str("dir", dir).Msg("inbox scanned, watching")
			return in.Watch(ctx)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "inbox", "inbox folder")
	cmd.Flags().StringVar(&as, "as", seedAdminEmail, "email of the user the imports are attributed to")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent imports during the initial scan (0 = one per CPU)")
	return cmd
}
