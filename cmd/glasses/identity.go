// ABOUTME: identity subcommand: show this device's id, key fingerprint, and pairing token state
// ABOUTME: Creates the identity on first use, same as connecting would

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newIdentityCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the device identity used to sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store := e.identityStore()
			id, err := store.Identity()
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}

			w := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			gray := color.New(color.FgHiBlack)

			green.Fprint(w, "▶ ")
			fmt.Fprintf(w, "Device ID:   %s\n", id.DeviceID)
			green.Fprint(w, "▶ ")
			fmt.Fprintf(w, "Fingerprint: %s\n", id.Fingerprint())
			green.Fprint(w, "▶ ")
			fmt.Fprintf(w, "Public key:  %s\n", id.PublicKeyBase64URL())
			green.Fprint(w, "▶ ")
			fmt.Fprintf(w, "Created:     %s\n", id.CreatedAt.Local().Format("2006-01-02 15:04:05"))

			if !id.Persisted {
				color.New(color.FgYellow).Fprintln(w, "  identity could not be saved; a new one will be made next run")
			}

			role := e.cfg.Client.Role
			if store.AuthToken(role) != "" {
				green.Fprint(w, "▶ ")
				fmt.Fprintf(w, "Pairing:     token present for role %s\n", role)
			} else {
				gray.Fprintf(w, "  Pairing:     no token for role %s\n", role)
			}
			return nil
		},
	}
}
