// ABOUTME: chat subcommand: one message from -m, or one message per stdin line
// ABOUTME: Prints each reply, flattened to plain text when requested

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/littlebotshi/openclaw-glasses/internal/gateway"
	"github.com/littlebotshi/openclaw-glasses/internal/plaintext"
)

// errNotPaired is returned after the pairing hint has been printed.
var errNotPaired = errors.New("device is not paired with the gateway")

type chatOptions struct {
	message    string
	sessionKey string
	timeout    time.Duration
	plain      bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a chat message and print the reply",
		Long:  "Send a chat message and print the assistant's reply. Without -m, each line read from stdin is sent as its own message.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("plain") {
				opts.plain = e.cfg.Chat.Plaintext
			}

			client, cleanup, err := e.openClient()
			if err != nil {
				return err
			}
			defer cleanup()

			if opts.message != "" {
				return sendChat(cmd, client, opts, opts.message)
			}
			return chatLines(cmd, client, opts, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "message to send")
	cmd.Flags().StringVarP(&opts.sessionKey, "session", "s", "", "session key (default from config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "reply timeout (default from config)")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "flatten markdown replies to plain text")
	return cmd
}

func chatLines(cmd *cobra.Command, client *gateway.Client, opts *chatOptions, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sendChat(cmd, client, opts, line); err != nil {
			if errors.Is(err, errNotPaired) {
				return err
			}
			// One failed message does not end the conversation.
			fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("error: %v", err))
		}
	}
	return scanner.Err()
}

func sendChat(cmd *cobra.Command, client *gateway.Client, opts *chatOptions, message string) error {
	res, err := client.Chat(cmd.Context(), opts.sessionKey, message, opts.timeout)
	if err != nil {
		if gateway.IsPairingRequired(err) {
			printPairingHint(cmd, client)
			return errNotPaired
		}
		if gateway.IsUnavailable(err) {
			return fmt.Errorf("gateway unavailable: %w", err)
		}
		return err
	}

	reply := res.String()
	if opts.plain && !res.NoResponse {
		reply = plaintext.Flatten(reply)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
	return err
}

func printPairingHint(cmd *cobra.Command, client *gateway.Client) {
	w := cmd.ErrOrStderr()
	yellow := color.New(color.FgYellow)
	yellow.Fprintln(w, "This device is not paired with the gateway yet.")

	id, err := client.Identity()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "    device id:   %s\n", id.DeviceID)
	fmt.Fprintf(w, "    fingerprint: %s\n", id.Fingerprint())
	fmt.Fprintln(w, "Approve it on the gateway, then run the command again.")
}
