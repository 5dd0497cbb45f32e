package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentonboard/agent"
	"agentonboard/auth"
	"agentonboard/db"
	"agentonboard/jobs"
)

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and job queue migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			applied, err := db.Migrate(ctx, e.pool)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Printf("%s applied %s\n", ok("✓"), name)
			}
			if len(applied) == 0 {
				fmt.Println("Schema is up to date.")
			}

			versions, err := jobs.Migrate(ctx, e.pool)
			if err != nil {
				return err
			}
			fmt.Printf("%s river migrations applied: %d\n", ok("✓"), versions)
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [agent-id]",
		Short: "Show an agent's onboarding status and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			a, err := e.agents.GetByID(ctx, e.pool, args[0])
			if err != nil {
				return fmt.Errorf("load agent %s: %w", args[0], err)
			}
			fmt.Printf("Agent %s\n", a.ID)
			fmt.Printf("  Name:       %s\n", a.Profile.FullName())
			fmt.Printf("  Email:      %s\n", a.Email)
			fmt.Printf("  Commission: %s%%\n", a.CommissionPercent.StringFixed(2))
			fmt.Printf("  Status:     %s\n", colorStatus(a.Status))

			timeline, err := e.events.List(ctx, e.pool, a.ID)
			if err != nil {
				return err
			}
			if len(timeline) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tEVENT\tCONTRACT")
			for _, ev := range timeline {
				contractID, _ := ev.Payload["contract_id"].(string)
				fmt.Fprintf(w, "%s\t%s\t%s\n", ev.CreatedAt.Format(time.RFC3339), ev.Type, contractID)
			}
			return w.Flush()
		},
	}
	return cmd
}

func resendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resend [contract-id]",
		Short: "Send the review email of an existing contract again",
		Long: `Repeats only the email step of the submission pipeline. The live review token
is reused; an expired one is replaced. With --queue the resend runs as a
background job on the API workers instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue, _ := cmd.Flags().GetBool("queue")

			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if queue {
				client, err := jobs.NewClient(e.pool, nil, jobs.Config{})
				if err != nil {
					return err
				}
				id, duplicate, err := jobs.EnqueueResend(ctx, client, args[0])
				if err != nil {
					return err
				}
				if duplicate {
					fmt.Printf("%s resend already queued as job %d\n", warn("!"), id)
					return nil
				}
				fmt.Printf("%s queued resend job %d\n", ok("✓"), id)
				return nil
			}

			res, err := e.orchestrator.SendContract(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resend contract %s: %w", args[0], err)
			}
			fmt.Printf("%s sent contract %s\n", ok("✓"), res.ContractID)
			fmt.Printf("  Token:    %s (reissued: %t)\n", res.TokenID, res.Reissued)
			fmt.Printf("  Status:   %s\n", colorStatus(res.Status))
			if res.MessageID != "" {
				fmt.Printf("  Message:  %s\n", res.MessageID)
			}
			return nil
		},
	}
	cmd.Flags().Bool("queue", false, "enqueue a background job instead of sending now")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and repair signatures whose status advance did not land",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List used tokens whose agent is not completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			items, err := e.reconciler.List(ctx, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Printf("%s no inconsistencies found\n", ok("✓"))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CONTRACT\tAGENT\tSTATUS\tSIGNED BY\tUSED AT")
			for _, it := range items {
				signedBy := bad("(no signature)")
				if it.Signature != nil {
					signedBy = it.Signature.SignedName
				}
				usedAt := "-"
				if it.UsedAt != nil {
					usedAt = it.UsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.ContractID, it.AgentID, colorStatus(it.AgentStatus), signedBy, usedAt)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%s %d inconsistencies need attention\n", bad("✗"), len(items))
			return nil
		},
	}
	list.Flags().Int("limit", 100, "maximum rows to show")

	resolve := &cobra.Command{
		Use:   "resolve [contract-id]",
		Short: "Complete the agent of a signed contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			operator, _ := cmd.Flags().GetString("operator")
			if operator == "" {
				return fmt.Errorf("--operator flag is required")
			}

			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			a, err := e.reconciler.Resolve(ctx, args[0], operator)
			if err != nil {
				return fmt.Errorf("resolve contract %s: %w", args[0], err)
			}
			fmt.Printf("%s agent %s is now %s\n", ok("✓"), a.ID, colorStatus(a.Status))
			return nil
		},
	}
	resolve.Flags().String("operator", "", "name recorded on the timeline event")

	cmd.AddCommand(list, resolve)
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup-tokens",
		Short: "Delete unused review tokens that expired before the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			retention, _ := cmd.Flags().GetDuration("retention")

			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if retention <= 0 {
				retention = e.cfg.Onboarding.TokenRetention
			}
			n, err := e.tokens.PurgeExpired(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Printf("%s deleted %d expired tokens (retention %s)\n", ok("✓"), n, retention)
			return nil
		},
	}
	cmd.Flags().Duration("retention", 0, "keep tokens that expired within this window (default from config)")
	return cmd
}

func devTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint an identity token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			email, _ := cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject flag is required")
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			v := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
			signed, err := v.GenerateToken(auth.Identity{Subject: subject, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), warn("development use only"))
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "identity provider subject")
	cmd.Flags().String("email", "", "email claim")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func colorStatus(s agent.Status) string {
	switch s {
	case agent.StatusCompleted:
		return ok(string(s))
	case agent.StatusContractSent:
		return color.New(color.FgCyan).Sprint(string(s))
	case agent.StatusProfileComplete:
		return warn(string(s))
	default:
		return string(s)
	}
}
