package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/nodehost/pkg/client"
	"github.com/spf13/cobra"
)

// NodeFlags holds flags for node create and update
type NodeFlags struct {
	Name       string
	Type       int
	Executable string
	Command    string
	Env        []string
}

// ListFlags holds flags for node list
type ListFlags struct {
	Limit int
	Start int
	Sort  string
	Desc  bool
}

func createNodeCommand(nc command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes",
		Long: `Create, inspect and control nodes on a nodehost server.

Examples:
  nodehost node list --sort name
  nodehost node create --name web --type 1 --executable index.js --env PORT=8080
  nodehost node upload <id> bundle.zip
  nodehost node start <id>
  nodehost node logs <id>`,
	}
	cmd.AddCommand(
		createNodeListCommand(nc),
		createNodeGetCommand(nc),
		createNodeTypesCommand(nc),
		createNodeCreateCommand(nc),
		createNodeUpdateCommand(nc),
		createNodeDeleteCommand(nc),
		createNodeStartCommand(nc),
		createNodeStopCommand(nc),
		createNodeUploadCommand(nc),
		createNodeDownloadCommand(nc),
		createNodeLogsCommand(nc),
	)
	return cmd
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

func createNodeListCommand(nc command) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes with their live state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			items, total, err := cl.ListNodes(cmd.Context(), client.ListOptions{
				Limit: flags.Limit, Start: flags.Start, Sort: flags.Sort, Desc: flags.Desc,
			})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, map[string]any{"items": items, "total": total})
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&flags.Start, "start", 0, "offset of the first item")
	cmd.Flags().StringVar(&flags.Sort, "sort", "", "sort field: created, updated, name, type, started, stopped")
	cmd.Flags().BoolVar(&flags.Desc, "desc", false, "sort descending")
	return cmd
}

func createNodeGetCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			n, err := cl.GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, n)
		},
	}
}

func createNodeTypesCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List supported node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			types, err := cl.NodeTypes(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, types)
		},
	}
}

func createNodeCreateCommand(nc command) *cobra.Command {
	flags := &NodeFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a new node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnv(flags.Env)
			if err != nil {
				return err
			}
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			n, err := cl.CreateNode(cmd.Context(), client.CreateNodeRequest{
				Name:       flags.Name,
				Type:       flags.Type,
				Executable: flags.Executable,
				Command:    flags.Command,
				Env:        env,
			})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, n)
		},
	}
	addNodeFlags(cmd, flags)
	for _, name := range []string{"name", "executable"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func addNodeFlags(cmd *cobra.Command, flags *NodeFlags) {
	cmd.Flags().StringVar(&flags.Name, "name", "", "unique node name")
	cmd.Flags().IntVar(&flags.Type, "type", 1, "node type id: 1 interpreter, 2 package manager (see node types)")
	cmd.Flags().StringVar(&flags.Executable, "executable", "", "entry point relative to the node directory")
	cmd.Flags().StringVar(&flags.Command, "command", "", "extra arguments passed to the executable")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "environment variable KEY=VALUE (repeatable)")
}

func createNodeUpdateCommand(nc command) *cobra.Command {
	flags := &NodeFlags{}
	var clearEnv bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a node definition",
		Long: `Change the given fields of a node. Omitted flags keep their value;
--env replaces the whole environment, --clear-env empties it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.UpdateNodeRequest{ID: args[0]}
			changed := cmd.Flags().Changed
			if changed("name") {
				req.Name = &flags.Name
			}
			if changed("type") {
				req.Type = &flags.Type
			}
			if changed("executable") {
				req.Executable = &flags.Executable
			}
			if changed("command") {
				req.Command = &flags.Command
			}
			switch {
			case changed("env") && clearEnv:
				return errors.New("--env and --clear-env are mutually exclusive")
			case changed("env"):
				env, err := parseEnv(flags.Env)
				if err != nil {
					return err
				}
				req.Env = &env
			case clearEnv:
				env := map[string]string{}
				req.Env = &env
			}

			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			n, err := cl.UpdateNode(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, n)
		},
	}
	addNodeFlags(cmd, flags)
	cmd.Flags().BoolVar(&clearEnv, "clear-env", false, "remove every environment variable")
	return cmd
}

func createNodeDeleteCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop a node and remove it with its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			if err := cl.DeleteNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted node %s\n", args[0])
			return nil
		},
	}
}

func createNodeStartCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a node and report whether it survived the settle window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			n, err := cl.StartNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printOutput(cmd.OutOrStdout(), nc.flags.Output, n); err != nil {
				return err
			}
			if n.Error {
				return fmt.Errorf("node %s failed to start", n.Name)
			}
			return nil
		},
	}
}

func createNodeStopCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			n, err := cl.StopNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, n)
		},
	}
}

func createNodeUploadCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <id> <archive.zip>",
		Short: "Replace the node files with the contents of a zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			cl, err := nc.streamClient()
			if err != nil {
				return err
			}
			if err := cl.Upload(cmd.Context(), args[0], filepath.Base(args[1]), f); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to node %s\n", args[1], args[0])
			return nil
		},
	}
}

func createNodeDownloadCommand(nc command) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the node files as a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.streamClient()
			if err != nil {
				return err
			}
			dir := "."
			if out != "" {
				dir = filepath.Dir(out)
			}
			tmp, err := os.CreateTemp(dir, ".nodehost-download-*")
			if err != nil {
				return err
			}
			defer func() { _ = os.Remove(tmp.Name()) }()

			name, err := cl.Download(cmd.Context(), args[0], tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			target := out
			if target == "" {
				target = filepath.Base(name)
			}
			if err := os.Rename(tmp.Name(), target); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "file", "f", "", "destination path (default: server provided name in the current directory)")
	return cmd
}

func createNodeLogsCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Stream the output of a running node until it exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.streamClient()
			if err != nil {
				return err
			}
			err = cl.Logs(cmd.Context(), args[0], cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func createSystemCommand(nc command) *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Show host disk, CPU, memory and network information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nc.apiClient()
			if err != nil {
				return err
			}
			info, err := cl.System(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), nc.flags.Output, info)
		},
	}
}
