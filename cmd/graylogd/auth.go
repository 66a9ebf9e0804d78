package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
)

// newAuthCmd returns the "auth" command group, which manages credentials
// for inputs that set auth: "true".
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage input credentials",
	}

	initCmd := &cobra.Command{
		Use:   "init-secret FILE",
		Short: "Write a new random token secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.WriteSecret(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token for a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretFile, _ := cmd.Flags().GetString("secret-file")
			inputs, _ := cmd.Flags().GetStringSlice("input")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret, err := auth.LoadSecret(secretFile)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(secret)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(args[0], inputs, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().String("secret-file", "", "token secret file (see init-secret)")
	tokenCmd.Flags().StringSlice("input", nil, "input names the token may send to (default: all)")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: no expiry)")
	_ = tokenCmd.MarkFlagRequired("secret-file")

	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a basic-auth password read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if password == "" {
				return errors.Join(errors.New("empty password"), err)
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.AddCommand(initCmd, tokenCmd, hashCmd)
	return cmd
}

// readPassword reads one line from stdin without echo when stdin is a
// terminal.
func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		return string(b), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
