package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/fabric/client"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/subscription"
)

// ──────────────────────────────────────────────────
// Control-plane commands
// ──────────────────────────────────────────────────

func newSubscribersCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List the live nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := newClient(v).ListSubscribers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func newSubscriptionsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage subscriptions through the master",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every subscription reported by a live node",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				subs, err := newClient(v).ListSubscriptions(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), subs)
			},
		},
		newUploadCommand(v),
		newBatchCommand(v, "start", "Start the named subscriptions", (*client.Client).Start),
		newBatchCommand(v, "stop", "Stop the named subscriptions", (*client.Client).Stop),
		newBatchCommand(v, "remove", "Remove the named subscriptions", (*client.Client).Remove),
		newControlCommand(v),
		&cobra.Command{
			Use:   "status NAME",
			Short: "Show the last reported state of a subscription",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sum, err := newClient(v).Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			},
		},
		&cobra.Command{
			Use:   "history NAME",
			Short: "Show the recorded changes of a subscription, newest first",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := newClient(v).History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			},
		},
	)
	return cmd
}

func newUploadCommand(v *viper.Viper) *cobra.Command {
	var target string
	var wait bool
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload definitions from a JSON array file, - reads stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := readDefinitions(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c := newClient(v)
			reqID, err := c.Upload(cmd.Context(), defs, target)
			if err != nil {
				return err
			}
			return report(cmd, c, reqID, wait)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "place every definition on this node")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the request to resolve")
	return cmd
}

func newBatchCommand(v *viper.Viper, use, short string,
	call func(*client.Client, context.Context, ...string) (id.RequestID, error),
) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   use + " NAME...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(v)
			reqID, err := call(c, cmd.Context(), args...)
			if err != nil {
				return err
			}
			return report(cmd, c, reqID, wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the request to resolve")
	return cmd
}

func newControlCommand(v *viper.Viper) *cobra.Command {
	var payload string
	var wait bool
	cmd := &cobra.Command{
		Use:   "control NAME MESSAGE",
		Short: "Send a control message to a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(v)
			reqID, err := c.Control(cmd.Context(), args[0], args[1], []byte(payload))
			if err != nil {
				return err
			}
			return report(cmd, c, reqID, wait)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "message payload")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the reply")
	return cmd
}

func newRequestCommand(v *viper.Viper) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "request ID",
		Short: "Show a tracked request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := id.ParseRequestID(args[0])
			if err != nil {
				return err
			}
			return report(cmd, newClient(v), reqID, wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the request to resolve")
	return cmd
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func newClient(v *viper.Viper) *client.Client {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return client.New(v.GetString("server"), client.WithRetry(3, defaultRetryDelay))
}

// report prints the request, after it resolves when wait is set.
func report(cmd *cobra.Command, c *client.Client, reqID id.RequestID, wait bool) error {
	if wait {
		req, err := c.Wait(cmd.Context(), reqID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), req)
	}
	req, err := c.Request(cmd.Context(), reqID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), req)
}

// readDefinitions parses a JSON array of tagged definitions from path,
// or from stdin when path is "-".
func readDefinitions(stdin io.Reader, path string) ([]subscription.Definition, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("definitions %s: %w", path, err)
	}
	raw := make([][]byte, len(docs))
	for i, doc := range docs {
		raw[i] = doc
	}
	defs, err := subscription.DecodeAll(raw)
	if err != nil {
		return nil, fmt.Errorf("definitions %s: %w", path, err)
	}
	return defs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
