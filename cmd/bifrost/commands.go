package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thfabian/bifrost/internal/injector"
	"github.com/thfabian/bifrost/internal/observability"
	"github.com/thfabian/bifrost/internal/proc"
)

func launchCmd() *cobra.Command {
	var plugins []string
	var waitTimeout uint32

	cmd := &cobra.Command{
		Use:   "launch <executable> [arg...]",
		Short: "Launch an executable and load plugins into it",
		Long:  "Launches the executable suspended, injects the bootstrap module, loads the plugins and resumes the process. The exit code mirrors the target's.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inj := injector.New(cfg)
			defer shutdown(inj)

			specs, err := parsePluginFlags(plugins)
			if err != nil {
				return err
			}

			p, result, err := inj.LoadPlugins(cmd.Context(), injector.ExecutableSpec{
				Mode:      injector.ModeLaunch,
				Path:      args[0],
				Arguments: args[1:],
			}, specs)
			if err != nil {
				return lastErrorOf(inj, err)
			}
			defer p.Close()
			fmt.Printf("launched pid %d (shared memory %q)\n", result.Pid, result.SharedMemoryName)

			code, err := inj.Wait(p, time.Duration(waitTimeout)*time.Millisecond)
			if err != nil {
				return lastErrorOf(inj, err)
			}
			if code != 0 {
				return &exitError{code: int(code), msg: fmt.Sprintf("target exited with code %d", code)}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&plugins, "plugin", nil, `Plugin to load: "<dll>[:args]" (repeatable)`)
	cmd.Flags().Uint32Var(&waitTimeout, "wait-timeout", 0, "Max milliseconds to wait for the target (0: forever)")
	return cmd
}

func connectCmd() *cobra.Command {
	var plugins []string
	var pid uint32
	var name string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a running process and load plugins into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := connectSpec(pid, name)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inj := injector.New(cfg)
			defer shutdown(inj)

			specs, err := parsePluginFlags(plugins)
			if err != nil {
				return err
			}

			p, result, err := inj.LoadPlugins(cmd.Context(), exe, specs)
			if err != nil {
				return lastErrorOf(inj, err)
			}
			defer p.Close()
			fmt.Printf("connected to pid %d (shared memory %q)\n", result.Pid, result.SharedMemoryName)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&plugins, "plugin", nil, `Plugin to load: "<dll>[:args]" (repeatable)`)
	cmd.Flags().Uint32Var(&pid, "pid", 0, "Process id to connect to")
	cmd.Flags().StringVar(&name, "name", "", "Process name to connect to (must be unambiguous)")
	return cmd
}

func unloadCmd() *cobra.Command {
	var pid uint32
	var name string
	var pluginNames []string
	var all bool

	cmd := &cobra.Command{
		Use:   "unload",
		Short: "Unload plugins from a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(pluginNames) == 0 {
				return fmt.Errorf("nothing to unload: pass --plugin or --all")
			}
			exe, err := connectSpec(pid, name)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inj := injector.New(cfg)
			defer shutdown(inj)

			p, err := openTarget(exe)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := inj.UnloadPlugins(cmd.Context(), p, pluginNames, all)
			if err != nil {
				return lastErrorOf(inj, err)
			}
			for plugin, ok := range result.Unloaded {
				status := "unloaded"
				if !ok {
					status = "FAILED"
				}
				fmt.Printf("%-30s %s\n", plugin, status)
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&pid, "pid", 0, "Process id")
	cmd.Flags().StringVar(&name, "name", "", "Process name (must be unambiguous)")
	cmd.Flags().StringArrayVar(&pluginNames, "plugin", nil, "Plugin name to unload (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Unload every plugin")
	return cmd
}

func messageCmd() *cobra.Command {
	var pid uint32
	var name string
	var plugin string

	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Send a message to a plugin inside a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plugin == "" {
				return fmt.Errorf("--plugin is required")
			}
			exe, err := connectSpec(pid, name)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inj := injector.New(cfg)
			defer shutdown(inj)

			p, err := openTarget(exe)
			if err != nil {
				return err
			}
			defer p.Close()

			return lastErrorOf(inj, inj.MessagePlugin(cmd.Context(), p, plugin, args[0]))
		},
	}

	cmd.Flags().Uint32Var(&pid, "pid", 0, "Process id")
	cmd.Flags().StringVar(&name, "name", "", "Process name (must be unambiguous)")
	cmd.Flags().StringVar(&plugin, "plugin", "", "Plugin to address")
	return cmd
}

func pluginHelpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugin-help <dll>",
		Short: "Print the help text of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inj := injector.New(cfg)
			defer shutdown(inj)

			help, err := inj.PluginHelp(args[0])
			if err != nil {
				return err
			}
			fmt.Println(help)
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	var pid uint32
	var name string

	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Kill a process by pid or name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			switch {
			case pid != 0:
				return proc.KillPid(pid)
			case name != "":
				return proc.KillName(name)
			default:
				return fmt.Errorf("pass --pid or --name")
			}
		},
	}

	cmd.Flags().Uint32Var(&pid, "pid", 0, "Process id")
	cmd.Flags().StringVar(&name, "name", "", "Process name")
	return cmd
}

func shutdown(inj *injector.Injector) {
	inj.Close()
	observability.Shutdown(context.Background())
}
