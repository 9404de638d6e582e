package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTopicCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "topic",
		Short: "Manage plugin topic subscriptions",
	}
	root.AddCommand(newTopicSubscribeCommand())
	return root
}

func newTopicSubscribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <plugin-id> <topic>",
		Short: "Subscribe a plugin's inbox to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if _, errs := a.loader.LoadAll(ctx); len(errs) > 0 {
				for _, lerr := range errs {
					a.logger.Warn("plugin load failed", "error", lerr)
				}
			}
			if err := a.cp.SubscribeTopic(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s subscribed to %s\n", args[0], args[1])
			return nil
		},
	}
}
