package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "repbot/internal/cli"
	"repbot/internal/config"
)

type globals struct {
	apiBase  string
	identity cl.Identity
}

func main() {
	cfg := config.LoadCLI()
	g := &globals{
		apiBase: cfg.APIBaseURL,
		identity: cl.Identity{
			RealmID:  cfg.RealmID,
			MemberID: cfg.MemberID,
			Name:     cfg.MemberName,
			JoinedAt: cfg.JoinedAt,
		},
	}

	root := &cobra.Command{
		Use:          "repctl",
		Short:        "Command line client for the repbot game server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", g.apiBase, "API base URL")
	root.PersistentFlags().StringVar(&g.identity.RealmID, "realm", g.identity.RealmID, "realm (guild) id")
	root.PersistentFlags().StringVar(&g.identity.MemberID, "member", g.identity.MemberID, "member id")
	root.PersistentFlags().StringVar(&g.identity.Name, "name", g.identity.Name, "display name")
	root.PersistentFlags().StringVar(&g.identity.JoinedAt, "joined-at", g.identity.JoinedAt, "RFC3339 time the member joined the realm")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(),
		newBalanceCmd(g),
		newSendCmd(g),
		newGuessCmd(g),
		newRollCmd(g),
		newGameCmd(g, "roulette", "Fixed countdown lottery"),
		newGameCmd(g, "sardines", "Lottery that ends when a joiner loses the draw"),
		newJobsCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newClient merges flag and env identity over the saved one.
func newClient(g *globals) *cl.Client {
	id := g.identity
	if store, err := cl.DefaultIdentityStore(); err == nil {
		if saved, err := store.Load(); err == nil {
			id = id.Merge(saved)
		}
	}
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(g.apiBase), "/"), id)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newLoginCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the identity repctl acts as",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := g.identity
			var err error
			if id.RealmID == "" {
				if id.RealmID, err = promptRequired("Realm ID"); err != nil {
					return err
				}
			}
			if id.MemberID == "" {
				if id.MemberID, err = promptRequired("Member ID"); err != nil {
					return err
				}
			}
			if id.Name == "" {
				if id.Name, err = promptOptional("Display name (optional)"); err != nil {
					return err
				}
			}
			if id.JoinedAt == "" {
				if id.JoinedAt, err = promptRequired("Joined at (RFC3339)"); err != nil {
					return err
				}
			}
			store, err := cl.DefaultIdentityStore()
			if err != nil {
				return err
			}
			if err := store.Save(id); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Acting as %s in %s.", id.MemberID, id.RealmID))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cl.DefaultIdentityStore()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			printSuccess("Identity cleared.")
			return nil
		},
	}
}

func newBalanceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show your balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).Balance(ctx)
			if err != nil {
				return err
			}
			var b balancePayload
			if err := decodeInto(out, &b); err != nil {
				return err
			}
			renderBalance(b)
			return nil
		},
	}
}

func newSendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <member-id> <amount>",
		Short: "Send points to another member of your realm",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := stringFromArgOrPrompt(args, 0, "Recipient member ID")
			if err != nil {
				return err
			}
			amount, err := int64FromArgOrPrompt(args, 1, "Amount")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if _, err := newClient(g).Send(ctx, to, amount); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sent %s to %s.", comma(amount), to))
			return nil
		},
	}
}

func newGuessCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "guess <1-100>",
		Short: "Play today's number guess",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := int64FromArgOrPrompt(args, 0, "Number")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).Guess(ctx, int(n))
			if err != nil {
				return err
			}
			var res guessPayload
			if err := decodeInto(out, &res); err != nil {
				return err
			}
			renderGuess(res)
			return nil
		},
	}
}

func newRollCmd(g *globals) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "roll [NdX]",
		Short: "Roll dice, e.g. 1d6, d20, 3d6 (default 1d6)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dice := ""
			if len(args) == 1 {
				dice = args[0]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).Roll(ctx, dice, verbose)
			if err != nil {
				return err
			}
			var res rollPayload
			if err := decodeInto(out, &res); err != nil {
				return err
			}
			renderRoll(res)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show every die")
	return cmd
}

func newGameCmd(g *globals, kind, short string) *cobra.Command {
	parent := &cobra.Command{
		Use:   kind,
		Short: short,
	}

	var token string
	create := &cobra.Command{
		Use:   "create <bet>",
		Short: "Start a new " + kind + " game",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bet, err := int64FromArgOrPrompt(args, 0, "Bet")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).CreateGame(ctx, kind, bet, token)
			if err != nil {
				return err
			}
			var v gameView
			if err := decodeInto(out, &v); err != nil {
				return err
			}
			printSuccess("Game created.")
			renderGame(v)
			return nil
		},
	}
	create.Flags().StringVar(&token, "token", "", "interaction token echoed back with the result")

	join := &cobra.Command{
		Use:   "join <game-id>",
		Short: "Join an open " + kind + " game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).JoinGame(ctx, kind, args[0])
			if err != nil {
				return err
			}
			if out == nil {
				printWarn("That game has already ended.")
				return nil
			}
			if kind == "roulette" {
				var v gameView
				if err := decodeInto(out, &v); err != nil {
					return err
				}
				printSuccess("Joined.")
				renderGame(v)
				return nil
			}
			var res joinPayload
			if err := decodeInto(out, &res); err != nil {
				return err
			}
			renderJoin(res)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <game-id>",
		Short: "Show a running " + kind + " game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(g).Game(ctx, kind, args[0])
			if err != nil {
				return err
			}
			var v gameView
			if err := decodeInto(out, &v); err != nil {
				return err
			}
			renderGame(v)
			return nil
		},
	}

	parent.AddCommand(create, join, show)
	return parent
}

func newJobsCmd(g *globals) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scheduled and dead jobs",
	}
	jobs.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending and running jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				out, err := newClient(g).Jobs(ctx)
				if err != nil {
					return err
				}
				var p jobsPayload
				if err := decodeInto(out, &p); err != nil {
					return err
				}
				renderJobs(p.Jobs)
				return nil
			},
		},
		&cobra.Command{
			Use:   "dead",
			Short: "List jobs that exhausted their retries",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				out, err := newClient(g).DeadJobs(ctx)
				if err != nil {
					return err
				}
				var p deadPayload
				if err := decodeInto(out, &p); err != nil {
					return err
				}
				renderDead(p.Jobs)
				return nil
			},
		},
		&cobra.Command{
			Use:   "requeue <job-id>",
			Short: "Move a dead job back to the schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				if _, err := newClient(g).Requeue(ctx, args[0]); err != nil {
					return err
				}
				printSuccess("Job " + args[0] + " requeued.")
				return nil
			},
		},
	)
	return jobs
}

func stringFromArgOrPrompt(args []string, idx int, label string) (string, error) {
	if len(args) > idx && strings.TrimSpace(args[idx]) != "" {
		return strings.TrimSpace(args[idx]), nil
	}
	return promptRequired(label)
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt64(label, 1)
}
