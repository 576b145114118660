package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proisp/radsync/internal/database"
	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/services"
)

var (
	sweepDryRun  bool
	sweepNoRenew bool
	sweepNoUsage bool
	sweepTimeout time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and print the report",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var repairGroupsCmd = &cobra.Command{
	Use:   "repair-groups",
	Short: "Rewrite every package group and remove legacy Session-Timeout rows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd, 10*time.Minute)
		defer cancel()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		report, err := e.packages.RepairGroups(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "packages:        %d\n", report.Packages)
		fmt.Fprintf(out, "groups replaced: %d\n", report.Replaced)
		fmt.Fprintf(out, "legacy removed:  %d\n", report.LegacyRemoved)
		if len(report.Invalid) > 0 {
			fmt.Fprintf(out, "invalid:         %v\n", report.Invalid)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd, 5*time.Minute)
		defer cancel()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return database.Migrate(ctx, e.db, logger)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false,
		"Report the transitions without writing anything")
	sweepCmd.Flags().BoolVar(&sweepNoRenew, "no-renew", false,
		"Skip the auto-renew pass")
	sweepCmd.Flags().BoolVar(&sweepNoUsage, "no-usage", false,
		"Skip the data usage refresh")
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 30*time.Minute,
		"Abort the sweep after this long")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd, sweepTimeout)
	defer cancel()
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.sweepService().RunOnce(ctx, time.Now(), services.SweepOptions{
		DryRun:         sweepDryRun,
		AutoRenew:      e.cfg.SweepAutoRenew && !sweepNoRenew,
		RenewLookahead: e.cfg.AutoRenewLookahead,
		RefreshUsage:   e.cfg.SweepUsageRefresh && !sweepNoUsage,
	})
	if report != nil {
		printSweepReport(cmd, report)
	}
	if err != nil {
		return err
	}
	if report.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", report.Errors)
	}
	return nil
}

func printSweepReport(cmd *cobra.Command, r *services.SweepReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s at %s (dry run: %t, took %s)\n", r.RunID, r.Now.Format(time.RFC3339), r.DryRun, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "scanned %d, expired %d, renewed %d, renew failed %d, usage refreshed %d, errors %d\n",
		r.Scanned, r.Expired, r.Renewed, r.RenewFailed, r.UsageRefreshed, r.Errors)

	if len(r.Transitions) > 0 {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIPTION\tUSERNAME\tFROM\tTO")
		for _, t := range r.Transitions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.SubscriptionID, t.Username, t.From, t.To)
		}
		w.Flush()
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "failed: subscription %d (%s): %v\n", f.SubscriptionID, f.Stage, f.Err)
	}
}

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Apply a lifecycle event to one subscription",
}

var (
	statusReason string
	autoRenew    bool
)

// subscriptionAction builds a command that runs fn on the subscription id
// given as the only argument and prints the result
func subscriptionAction(use, short string, fn func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <subscription-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()
			cmd.SetContext(ctx)
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			sub, err := fn(cmd, e, id)
			if sub != nil {
				printSubscription(cmd, sub)
			}
			return err
		},
	}
}

func init() {
	confirm := subscriptionAction("confirm", "Confirm payment and activate a pending subscription",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.ConfirmPayment(cmd.Context(), id)
		})
	fail := subscriptionAction("fail", "Mark a pending subscription's payment as failed",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.FailPayment(cmd.Context(), id)
		})
	suspend := subscriptionAction("suspend", "Suspend an active subscription",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.Suspend(cmd.Context(), id, statusReason)
		})
	block := subscriptionAction("block", "Block a subscription",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.Block(cmd.Context(), id, statusReason)
		})
	resume := subscriptionAction("resume", "Resume a suspended subscription",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.Resume(cmd.Context(), id)
		})
	unblock := subscriptionAction("unblock", "Unblock a blocked subscription",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.Unblock(cmd.Context(), id)
		})
	checkExpiry := subscriptionAction("check-expiry", "Expire the subscription now if its period has ended",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return e.subs.CheckExpiry(cmd.Context(), id)
		})
	resync := subscriptionAction("resync", "Rewrite RADIUS for the subscription's user from its stored status",
		func(cmd *cobra.Command, e *engine, id uint) (*models.Subscription, error) {
			return nil, e.subs.Resync(cmd.Context(), id)
		})

	suspend.Flags().StringVar(&statusReason, "reason", "", "Text shown to the user")
	block.Flags().StringVar(&statusReason, "reason", "", "Text shown to the user")

	purchase := &cobra.Command{
		Use:   "purchase <customer-id> <package-id>",
		Short: "Create a pending subscription awaiting payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			packageID, err := parseID(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			sub, err := e.subs.Purchase(ctx, customerID, packageID, autoRenew)
			if err != nil {
				return err
			}
			printSubscription(cmd, sub)
			return nil
		},
	}
	purchase.Flags().BoolVar(&autoRenew, "auto-renew", false, "Renew from the wallet before expiry")

	subscriptionCmd.AddCommand(purchase, confirm, fail, suspend, block, resume, unblock, checkExpiry, resync)
}

func printSubscription(cmd *cobra.Command, sub *models.Subscription) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "subscription %d: %s", sub.ID, sub.Status)
	if sub.Customer.Username != "" {
		fmt.Fprintf(out, " (user %s)", sub.Customer.Username)
	}
	if sub.ExpiresAt != nil {
		fmt.Fprintf(out, ", expires %s", sub.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

var packageCmd = &cobra.Command{
	Use:     "package",
	Aliases: []string{"pkg"},
	Short:   "Manage packages and their RADIUS groups",
}

var pkgFlags struct {
	id          uint
	name        string
	duration    int
	unit        string
	price       float64
	upload      int64
	download    int64
	dataMB      int64
	sessions    int
	trial       bool
	trialLength int
	inactive    bool
}

func init() {
	save := &cobra.Command{
		Use:   "save",
		Short: "Create or update a package and write its group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			pkg := &models.Package{
				ID:                 pkgFlags.id,
				Name:               pkgFlags.name,
				DurationValue:      pkgFlags.duration,
				DurationUnit:       models.DurationUnit(pkgFlags.unit),
				Price:              pkgFlags.price,
				UploadKbps:         pkgFlags.upload,
				DownloadKbps:       pkgFlags.download,
				SimultaneousUsers:  pkgFlags.sessions,
				IsTrial:            pkgFlags.trial,
				TrialDurationValue: pkgFlags.trialLength,
				IsActive:           !pkgFlags.inactive,
			}
			if pkgFlags.dataMB > 0 {
				limit := pkgFlags.dataMB
				pkg.DataLimitMB = &limit
			}
			res, err := e.packages.Save(ctx, pkg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "package %d saved (group replaced: %t)\n", res.Package.ID, res.GroupReplaced)
			return nil
		},
	}
	f := save.Flags()
	f.UintVar(&pkgFlags.id, "id", 0, "Package to update; 0 creates a new one")
	f.StringVar(&pkgFlags.name, "name", "", "Package name")
	f.IntVar(&pkgFlags.duration, "duration", 30, "Duration value")
	f.StringVar(&pkgFlags.unit, "unit", string(models.DurationUnitDay), "Duration unit: minute, hour, day, week, month, year")
	f.Float64Var(&pkgFlags.price, "price", 0, "Price charged per period")
	f.Int64Var(&pkgFlags.upload, "upload-kbps", 0, "Upload rate in kbps")
	f.Int64Var(&pkgFlags.download, "download-kbps", 0, "Download rate in kbps")
	f.Int64Var(&pkgFlags.dataMB, "data-mb", 0, "Data cap in MB, 0 for unlimited")
	f.IntVar(&pkgFlags.sessions, "sessions", 1, "Simultaneous sessions allowed")
	f.BoolVar(&pkgFlags.trial, "trial", false, "Trial package")
	f.IntVar(&pkgFlags.trialLength, "trial-duration", 0, "Trial duration value, same unit")
	f.BoolVar(&pkgFlags.inactive, "inactive", false, "Stop offering the package")
	_ = save.MarkFlagRequired("name")

	del := &cobra.Command{
		Use:   "delete <package-id>",
		Short: "Delete a package no current subscription uses, and its group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.packages.Delete(ctx, id); err != nil {
				if errors.Is(err, services.ErrPackageInUse) {
					return fmt.Errorf("%w; expire or switch its subscriptions first", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "package %d deleted\n", id)
			return nil
		},
	}

	packageCmd.AddCommand(save, del)
}
