package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// PasswordEnv supplies the password when --password is omitted.
const PasswordEnv = "NODEHOST_PASSWORD"

// CredentialFlags holds flags for login and user create
type CredentialFlags struct {
	Login    string
	Password string
}

func (f *CredentialFlags) password() (string, error) {
	if f.Password != "" {
		return f.Password, nil
	}
	if p := os.Getenv(PasswordEnv); p != "" {
		return p, nil
	}
	return "", errors.New("password required: use --password or " + PasswordEnv)
}

func addCredentialFlags(cmd *cobra.Command, f *CredentialFlags) {
	cmd.Flags().StringVar(&f.Login, "login", "", "account login")
	cmd.Flags().StringVar(&f.Password, "password", "", "account password (or "+PasswordEnv+")")
	if err := cmd.MarkFlagRequired("login"); err != nil {
		panic(err)
	}
}

func createLoginCommand(nc command) *cobra.Command {
	flags := &CredentialFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session token",
		Long: `Log in to a nodehost server. An unknown login is registered with the
given password on first use.

Examples:
  nodehost login --login admin --password secret
  NODEHOST_PASSWORD=secret nodehost login --login admin --api-url https://host:3031`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := flags.password()
			if err != nil {
				return err
			}
			prev, _ := nc.sessions.LoadSession()
			base := nc.baseURL(prev)
			cl, err := nc.newClient(base, "")
			if err != nil {
				return err
			}
			tok, err := cl.Login(cmd.Context(), flags.Login, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			s := &Session{
				Token:     tok.Token,
				ExpiresAt: tok.ExpirationDate,
				Login:     flags.Login,
				ServerURL: base,
			}
			if err := nc.sessions.SaveSession(s); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (session expires %s)\n",
				flags.Login, tok.ExpirationDate.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	addCredentialFlags(cmd, flags)
	return cmd
}

func createLogoutCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the session token and forget it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := nc.session()
			if err != nil {
				return err
			}
			if s == nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			logoutErr := cl.Logout(cmd.Context())
			if err := nc.sessions.ClearSession(); err != nil {
				return err
			}
			if logoutErr != nil {
				return fmt.Errorf("session removed locally, server logout failed: %w", logoutErr)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", s.Login)
			return nil
		},
	}
}

func createMeCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the logged in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			u, err := cl.Me(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, u)
		},
	}
}

func createUserCommand(nc command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	flags := &CredentialFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := flags.password()
			if err != nil {
				return err
			}
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			u, err := cl.CreateUser(cmd.Context(), flags.Login, password)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, u)
		},
	}
	addCredentialFlags(create, flags)

	renew := &cobra.Command{
		Use:   "renew",
		Short: "Replace the session token with a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := nc.session()
			if err != nil {
				return err
			}
			if s == nil {
				return errors.New("not logged in")
			}
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			tok, err := cl.Renew(cmd.Context())
			if err != nil {
				return err
			}
			s.Token, s.ExpiresAt = tok.Token, tok.ExpirationDate
			if err := nc.sessions.SaveSession(s); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session renewed until %s\n",
				tok.ExpirationDate.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.AddCommand(create, renew)
	return cmd
}
