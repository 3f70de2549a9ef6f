package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/switchboard/internal/config"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/service"
	"github.com/cloud-shuttle/switchboard/internal/webhooks"
)

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize Switchboard in the current directory",
		Long: `Initialize Switchboard in the current directory.

Creates a .switchboard directory with a SQLite database for checkpoints and a
config.yaml holding the default settings.

Storage modes:
- Default: SQLite in .switchboard (zero setup)
- Production: set SWITCHBOARD_DATABASE_URL to a PostgreSQL URL and
  SWITCHBOARD_REDIS_URL to share a cache between processes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			sbDir := filepath.Join(dir, ".switchboard")
			configFile := filepath.Join(sbDir, "config.yaml")
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("already initialized in %s", sbDir)
			}

			c := config.Default()
			c.DatabaseURL = "sqlite://" + filepath.Join(sbDir, "switchboard.db")
			c.LLMMock = os.Getenv("SWITCHBOARD_LLM_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") == ""

			store, err := openStore(c)
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()

			if err := c.Write(configFile); err != nil {
				return err
			}

			fmt.Printf("Initialized Switchboard in %s\n", sbDir)
			if c.LLMMock {
				fmt.Println("\nNo API key found: agents answer with the offline mock generator.")
				fmt.Println("Set llm_api_key in the config or OPENAI_API_KEY to use a real model.")
			}
			fmt.Println("\nNext steps:")
			fmt.Printf("  switchboard chat --config %s\n", configFile)
			fmt.Printf("  switchboard serve --config %s\n", configFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API and metrics",
		Long: `Serve the conversation API over HTTP alongside the Prometheus /metrics
endpoint. Idle conversations are closed by a background sweep. On SIGINT or
SIGTERM every active conversation gets a final checkpoint before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, true, func(ctx context.Context, a *app) error {
				go a.conversations.Run(ctx)
				go logEvents(ctx, a)

				if len(cfg.Webhooks) > 0 {
					notifier, err := webhooks.New(webhooks.Options{Endpoints: cfg.Webhooks, Logger: a.logger})
					if err != nil {
						return err
					}
					sub := a.bus.Subscribe("webhooks", events.EventFilter{Types: webhooks.EventTypes(cfg.Webhooks)})
					go notifier.Run(ctx, sub.Events(), 2)
				}

				a.logger.Info("switchboard serving", "addr", addr, "version", version)
				return a.telemetry.Serve(ctx, addr, newMux(a))
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to metrics_addr)")
	return cmd
}

// logEvents writes lifecycle events to the log until the bus closes
func logEvents(ctx context.Context, a *app) {
	sub := a.bus.Subscribe("log", events.EventFilter{})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if n := sub.Dropped(); n > 0 {
					a.logger.Warn("event log fell behind", "dropped", n)
				}
				return
			}
			a.logger.Info("event", "type", ev.Type, "conversation_id", ev.ConversationID, "agent", ev.Agent, "data", ev.Data)
		}
	}
}

func chatCmd() *cobra.Command {
	var conversationID, customerID string
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agents interactively",
		Long: `Start an interactive conversation on the terminal.

Commands:
  /status   show the conversation status
  /human    transfer to a human agent
  /tickets  list support tickets opened in this session
  /close    close the conversation and exit
  /quit     exit, keeping the conversation checkpointed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, false, func(ctx context.Context, a *app) error {
				id := conversationID
				if id == "" {
					id = fmt.Sprintf("chat-%d", time.Now().UnixNano())
				}
				if showEvents {
					sub := a.bus.Subscribe("chat", events.EventFilter{ConversationID: id})
					defer a.bus.Unsubscribe(sub)
					go printEvents(ctx, sub.Events(), cmd.ErrOrStderr())
				}
				return runChat(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), id, customerID)
			})
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "resume an existing conversation")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id for account lookups (e.g. CUST001)")
	cmd.Flags().BoolVar(&showEvents, "events", false, "print this conversation's lifecycle events to stderr")
	return cmd
}

func printEvents(ctx context.Context, ch <-chan *events.Event, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "  · %s\n", events.FormatEventCompact(ev))
		}
	}
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer, id, customerID string) error {
	fmt.Fprintf(out, "Conversation %s (type /quit to exit)\n", id)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/status":
			report, err := a.service.Status(ctx, id)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			printJSON(out, report)
			continue
		case "/human":
			if err := a.service.TransferToHuman(ctx, id, "requested from chat"); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "Transferred to a human agent.")
			continue
		case "/tickets":
			for _, t := range a.outbox.Tickets() {
				fmt.Fprintf(out, "%s  %s  %s\n", t.ID, t.Priority, t.Subject)
			}
			continue
		case "/close":
			summary, err := a.service.Close(ctx, id, "closed from chat")
			if err != nil {
				return err
			}
			printJSON(out, summary)
			return nil
		}

		reply, err := a.service.HandleMessage(ctx, service.Message{
			ConversationID: id,
			CustomerID:     customerID,
			Content:        line,
		})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", reply.Agent, reply.Content)
		if reply.Escalated {
			fmt.Fprintf(out, "  (escalated to %s: %s)\n", reply.NextAgent, reply.EscalationReason)
		}
	}
}

func sendCmd() *cobra.Command {
	var conversationID, customerID, sessionID string

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				reply, err := a.service.HandleMessage(ctx, service.Message{
					ConversationID: conversationID,
					SessionID:      sessionID,
					CustomerID:     customerID,
					Content:        strings.Join(args, " "),
				})
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (new when empty)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Show the status of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				report, err := a.service.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "List the checkpoints of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				if limit <= 0 {
					limit = cfg.HistoryLimit
				}
				history, err := a.service.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if len(history) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found")
					return nil
				}
				for _, m := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %-20s  %s\n",
						m.CreatedAt.Format(time.RFC3339), m.Version(), m.Source, m.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum checkpoints to list")
	return cmd
}

func closeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				summary, err := a.service.Close(ctx, args[0], reason)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "closed by operator", "reason recorded with the close")
	return cmd
}

func transferCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "transfer <conversation-id>",
		Short: "Hand a conversation to a human agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				if err := a.service.TransferToHuman(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s transferred to a human agent\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "transfer requested", "reason recorded with the escalation")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpoints older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				days = cfg.RetentionDays
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				res, err := a.checkpoints.CleanupOlderThan(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d durable and %d memory checkpoints older than %d days\n",
					res.Durable, res.Memory, days)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to retention_days)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every storage layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				report := a.service.Health(ctx)
				printJSON(cmd.OutOrStdout(), report)
				if report.Status != service.HealthHealthy {
					return errors.New("storage degraded")
				}
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}
