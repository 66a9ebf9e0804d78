package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kerk1/ThreatHunting-graylog/internal/cert"
)

// newCertCmd returns the "cert" command group for input TLS certificates.
func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage input TLS certificates",
	}

	selfSigned := &cobra.Command{
		Use:   "self-signed CERT_FILE KEY_FILE",
		Short: "Write a self-signed certificate for testing inputs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, _ := cmd.Flags().GetStringSlice("host")
			validFor, _ := cmd.Flags().GetDuration("valid-for")
			if err := cert.WriteSelfSigned(args[0], args[1], hosts, validFor); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0], args[1])
			return nil
		},
	}
	selfSigned.Flags().StringSlice("host", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses to cover")
	selfSigned.Flags().Duration("valid-for", 365*24*time.Hour, "certificate lifetime")

	cmd.AddCommand(selfSigned)
	return cmd
}
