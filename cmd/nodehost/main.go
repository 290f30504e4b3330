package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/nodehost/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(NewSessionManager())
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Output     string
}

// command carries what the subcommands need to reach the API.
type command struct {
	flags    *GlobalFlags
	sessions *SessionManager
}

func buildRoot(sessions *SessionManager) *cobra.Command {
	globalFlags := &GlobalFlags{}
	nc := command{flags: globalFlags, sessions: sessions}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createLoginCommand(nc),
		createLogoutCommand(nc),
		createMeCommand(nc),
		createUserCommand(nc),
		createNodeCommand(nc),
		createSystemCommand(nc),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodehost",
		Short: "Host and supervise script workers",
		Long: `Nodehost runs uploaded script workers on a host and exposes them
through an authenticated HTTP API.

Examples:
  nodehost serve --config nodehost.toml
  nodehost login --login admin --password secret
  nodehost node create --name web --type 1 --executable index.js
  nodehost node start <id>
  nodehost node logs <id>`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(flags.Output) {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (json or yaml)", flags.Output)
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML, YAML or JSON config file (serve)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "API base URL (default: the logged in server or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "json", "output format: json or yaml")
	return root
}

// session returns the saved session for the target server, if any.
func (c command) session() (*Session, error) {
	s, err := c.sessions.LoadSession()
	if err != nil || s == nil {
		return nil, err
	}
	if c.flags.APIUrl != "" && strings.TrimRight(c.flags.APIUrl, "/") != s.ServerURL {
		return nil, nil
	}
	return s, nil
}

func (c command) baseURL(s *Session) string {
	switch {
	case c.flags.APIUrl != "":
		return strings.TrimRight(c.flags.APIUrl, "/")
	case s != nil && s.ServerURL != "":
		return s.ServerURL
	default:
		return client.DefaultBaseURL
	}
}

// apiClient builds a client for the target server using the saved token.
func (c command) apiClient() (*client.Client, error) {
	s, err := c.session()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	token := ""
	if s != nil {
		token = s.Token
	}
	return c.newClient(c.baseURL(s), token)
}

func (c command) newClient(baseURL, token string) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  baseURL,
		Timeout:  c.flags.APITimeout,
		Token:    token,
		Insecure: c.flags.Insecure,
	})
}

// streamClient is apiClient without the request timeout, for long running
// transfers and log streams.
func (c command) streamClient() (*client.Client, error) {
	f := *c.flags
	f.APITimeout = -1
	return command{flags: &f, sessions: c.sessions}.apiClient()
}
