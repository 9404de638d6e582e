package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPluginCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect and control loaded plugins",
	}
	root.AddCommand(newPluginListCommand())
	root.AddCommand(newPluginReloadCommand())
	root.AddCommand(newPluginCallCommand())
	return root
}

func newPluginListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover and enumerate every plugin under the plugin directory",
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

			out, err := json.MarshalIndent(a.cp.ListPlugins(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newPluginReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <plugin-id>",
		Short: "Reload a quarantined (Error-state) plugin from disk",
		Args:  cobra.ExactArgs(1),
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
			if err := a.cp.ReloadPlugin(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("reloaded %s\n", args[0])
			return nil
		},
	}
}

func newPluginCallCommand() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <plugin-id> <export>",
		Short: "Invoke a named plugin export with JSON arguments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
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

			var payload json.RawMessage
			if argsJSON != "" {
				payload = json.RawMessage(argsJSON)
			}
			result, err := a.cp.InvokeExport(ctx, cliArgs[0], cliArgs[1], payload)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON arguments passed to the export")
	return cmd
}
