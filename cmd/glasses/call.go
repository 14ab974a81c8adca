// ABOUTME: call subcommand: send any gateway method with JSON params
// ABOUTME: --stream waits for the run named in the response and prints its text

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCallCmd(root *rootOptions) *cobra.Command {
	var (
		timeout time.Duration
		stream  bool
	)
	cmd := &cobra.Command{
		Use:   "call METHOD [JSON]",
		Short: "Send a raw gateway request",
		Example: `  glasses call health
  glasses call chat.send '{"sessionKey":"main","message":"hi","idempotencyKey":"k1"}' --stream`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			e, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, cleanup, err := e.openClient()
			if err != nil {
				return err
			}
			defer cleanup()

			if stream {
				res, err := client.StreamingCall(cmd.Context(), method, params, timeout)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), res.String())
				return err
			}

			payload, err := client.Call(cmd.Context(), method, params, timeout)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, payload, "", "  "); err != nil {
				out.Reset()
				out.Write(payload)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (default from config)")
	cmd.Flags().BoolVar(&stream, "stream", false, "wait for the run named by the response")
	return cmd
}
