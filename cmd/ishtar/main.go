// Command ishtar is a terminal client for the ishtar chat server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/project-ishtar/ishtar/internal/client"
	"github.com/project-ishtar/ishtar/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is what login leaves behind for later commands.
type session struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

func sessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ishtar", "session.yaml"), nil
}

func loadSession() (session, error) {
	path, err := sessionPath()
	if err != nil {
		return session{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return session{}, nil
	}
	if err != nil {
		return session{}, err
	}
	var s session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return session{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

func saveSession(s session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func rootCmd() *cobra.Command {
	var server string

	root := &cobra.Command{
		Use:           "ishtar",
		Short:         "Chat with an ishtar server from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", "", "server URL (default from the saved session or http://localhost:8080)")

	// connect builds a client from the flag and the saved session.
	connect := func() (*client.Client, session, error) {
		s, err := loadSession()
		if err != nil {
			return nil, s, err
		}
		if server != "" {
			s.Server = server
		}
		if s.Server == "" {
			s.Server = "http://localhost:8080"
		}
		c := client.New(s.Server, nil)
		c.SetToken(s.Token)
		return c, s, nil
	}

	root.AddCommand(
		signupCmd(connect),
		loginCmd(connect),
		conversationsCmd(connect),
		historyCmd(connect),
		sendCmd(connect),
		chatCmd(connect),
	)
	return root
}

type connectFunc func() (*client.Client, session, error)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func signupCmd(connect connectFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "signup <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			user, err := c.Signup(ctx, args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func loginCmd(connect connectFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and remember the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, s, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			resp, err := c.Login(ctx, args[0], password)
			if err != nil {
				return err
			}
			s.Token = resp.Token
			if err := saveSession(s); err != nil {
				return fmt.Errorf("saving session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s\n", s.Server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func conversationsCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			convs, err := c.ListConversations(ctx)
			if err != nil {
				return err
			}
			for _, conv := range convs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%d in / %d out tokens)\n",
					conv.ID, conv.Title, conv.InputTokenCount, conv.OutputTokenCount)
			}
			return nil
		},
	}
}

func historyCmd(connect connectFunc) *cobra.Command {
	var (
		all      bool
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			tl := client.NewTimeline(c, args[0], pageSize)
			if err := tl.LoadLatest(ctx); err != nil {
				return err
			}
			for all && tl.HasMore() {
				if _, err := tl.LoadPrevious(ctx); err != nil {
					return err
				}
			}
			printMessages(cmd.OutOrStdout(), tl.Messages())
			if tl.HasMore() {
				fmt.Fprintln(cmd.OutOrStdout(), "(older messages available, use --all)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "load the whole conversation")
	cmd.Flags().IntVar(&pageSize, "page-size", 10, "messages per page")
	return cmd
}

func sendCmd(connect connectFunc) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "send <prompt>",
		Short: "Send one prompt and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			tl := client.NewTimeline(c, conversationID, 0)
			resp, err := tl.Send(ctx, strings.Join(args, " "), uuid.NewString(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ResponseText)
			fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", resp.ConversationID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue this conversation")
	return cmd
}

// retainedPrompt keeps the text of a failed send so an empty line retries it.
type retainedPrompt struct {
	text string
}

func (p *retainedPrompt) SetText(text string) { p.text = text }

func chatCmd(connect connectFunc) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			out := cmd.OutOrStdout()
			tl := client.NewTimeline(c, conversationID, 0)
			if err := tl.LoadLatest(ctx); err != nil {
				return err
			}
			printMessages(out, tl.Messages())

			input := &retainedPrompt{}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(out, "> ")
			for scanner.Scan() {
				prompt := strings.TrimSpace(scanner.Text())
				if prompt == "" && input.text != "" {
					prompt, input.text = input.text, ""
				}
				if prompt == "" {
					fmt.Fprint(out, "> ")
					continue
				}
				resp, err := tl.Send(ctx, prompt, uuid.NewString(), input)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v (press enter to retry)\n", err)
				} else {
					fmt.Fprintf(out, "%s\n", resp.ResponseText)
				}
				fmt.Fprint(out, "> ")
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue this conversation")
	return cmd
}

func printMessages(w io.Writer, msgs []store.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Role, m.Text())
	}
}
