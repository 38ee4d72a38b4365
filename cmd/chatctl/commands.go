package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/client"
	"github.com/blogchat/chatrelay/internal/conversation"
)

func newConvCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "conv", Short: "Manage conversations"}

	cmd.AddCommand(&cobra.Command{
		Use:   "new [title]",
		Short: "Start a conversation and make it current",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.store.CreateConversation(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.ID, c.Title)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, the current one marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			current, _ := a.store.CurrentConversation()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, c := range a.store.Conversations() {
				mark := " "
				if c.ID == current.ID {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s %s\t%s\t%d messages\t%s\n", mark, c.ID, c.Title, len(c.Messages), c.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use <id>",
		Short: "Select the current conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveConversation(a.store, args[0])
			if err != nil {
				return err
			}
			return a.store.SetCurrentConversation(cmd.Context(), id)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveConversation(a.store, args[0])
			if err != nil {
				return err
			}
			return a.store.DeleteConversation(cmd.Context(), id)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.store.Clear(cmd.Context())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation, the current one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c  conversation.Conversation
				ok bool
			)
			if len(args) == 1 {
				id, err := resolveConversation(a.store, args[0])
				if err != nil {
					return err
				}
				c, ok = a.store.Conversation(id)
			} else {
				c, ok = a.store.CurrentConversation()
			}
			if !ok {
				return client.ErrNoConversation
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s)\n", c.Title, c.ID)
			for _, m := range c.Messages {
				fmt.Fprintf(out, "\n[%s]\n%s\n", m.Role, m.Content)
			}
			return nil
		},
	})
	return cmd
}

// resolveConversation accepts a full id or a unique prefix of one.
func resolveConversation(store *conversation.Store, ref string) (string, error) {
	var match string
	for _, c := range store.Conversations() {
		if c.ID == ref {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("conversation prefix %q is ambiguous", ref)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", conversation.ErrConversationNotFound
	}
	return match, nil
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage provider settings"}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-key <provider> <api-key>",
		Short: "Store the API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := chat.ParseProviderKind(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(args[1]) == "" {
				return errors.New("api key is empty")
			}
			return a.store.SetConfig(cmd.Context(), map[chat.ProviderKind]conversation.ProviderSettings{
				kind: {APIKey: args[1]},
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-model <provider> <model>",
		Short: "Override the model for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := chat.ParseProviderKind(args[0])
			if err != nil {
				return err
			}
			return a.store.SetConfig(cmd.Context(), map[chat.ProviderKind]conversation.ProviderSettings{
				kind: {Model: args[1]},
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use <provider>",
		Short: "Select the provider for new turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := chat.ParseProviderKind(args[0])
			if err != nil {
				return err
			}
			return a.store.SetCurrentProvider(cmd.Context(), kind)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print provider settings with keys redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.store.Config()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, kind := range chat.ProviderKinds() {
				mark := " "
				if kind == cfg.CurrentProvider {
					mark = "*"
				}
				ps := cfg.Providers[kind]
				key := "-"
				if ps.APIKey != "" {
					key = chat.RedactKey(ps.APIKey)
				}
				model := ps.Model
				if model == "" {
					model = "(default)"
				}
				fmt.Fprintf(tw, "%s %s\t%s\t%s\n", mark, kind, key, model)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>",
		Short: "Send one message to the current conversation and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			consumer, err := a.consumer()
			if err != nil {
				return err
			}
			return a.turn(cmd.Context(), consumer, cmd.OutOrStdout(), strings.Join(args, " "))
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session; /new, /use <id>, /provider <name>, /quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			consumer, err := a.consumer()
			if err != nil {
				return err
			}
			return a.repl(cmd.Context(), consumer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers the relay can route to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			consumer, err := a.consumer()
			if err != nil {
				return err
			}
			providers, err := consumer.Providers(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range providers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Kind, p.DefaultModel)
			}
			return nil
		},
	}
}

// turn sends text and prints the reply as it streams.
func (a *app) turn(ctx context.Context, consumer *client.Consumer, out io.Writer, text string) error {
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	consumer.OnDelta = func(delta string) { fmt.Fprint(out, delta) }
	turn, err := consumer.Send(ctx, text)
	if turn.Assistant != nil {
		fmt.Fprintln(out)
	}
	return err
}

func (a *app) repl(ctx context.Context, consumer *client.Consumer, in io.Reader, out io.Writer) error {
	if _, ok := a.store.CurrentConversation(); !ok {
		if _, err := a.store.CreateConversation(ctx, ""); err != nil {
			return err
		}
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprintf(out, "%s> ", a.store.CurrentProvider())
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if ctx.Err() != nil {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			done, err := a.replCommand(ctx, out, line)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if done {
				return nil
			}
			continue
		}
		if err := a.turn(ctx, consumer, out, line); err != nil && !errors.Is(err, client.ErrEmptyInput) {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func (a *app) replCommand(ctx context.Context, out io.Writer, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		c, err := a.store.CreateConversation(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "started %s\n", c.ID)
	case "/use":
		id, err := resolveConversation(a.store, arg)
		if err != nil {
			return false, err
		}
		return false, a.store.SetCurrentConversation(ctx, id)
	case "/provider":
		kind, err := chat.ParseProviderKind(arg)
		if err != nil {
			return false, err
		}
		return false, a.store.SetCurrentProvider(ctx, kind)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}
