package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"cmdrelay/internal/relay/dispatch"
	"cmdrelay/internal/version"

	"github.com/spf13/cobra"
)

// options holds flags shared by every command
type options struct {
	configPath string
}

// newRootCmd wires the cobra root command
func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Send natural language commands to a paired desktop agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")

	root.AddCommand(
		newConnectCommand(opts),
		newParseCommand(),
		newVersionCommand(),
	)
	return root
}

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [instruction]",
		Short: "Print the action an instruction parses to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := dispatch.Parse(strings.Join(args, " "))
			data, err := json.MarshalIndent(action, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode action: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.GetInfo().String())
			return err
		},
	}
}
