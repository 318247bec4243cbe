package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/narvanalabs/searchnode/internal/bootstrap"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/pkg/config"
	"github.com/narvanalabs/searchnode/pkg/logger"
)

// session carries global flags and the runtime opened from them.
type session struct {
	ctx    context.Context
	out    io.Writer
	errOut io.Writer

	installRoot  string
	documentPath string
	databaseURL  string
	verbose      bool

	rt *bootstrap.Runtime
}

func (s *session) bindGlobal(fs *pflag.FlagSet) {
	fs.StringVar(&s.installRoot, "install-root", "", "search-engine installation directory (overrides SEARCHNODE_INSTALL_ROOT)")
	fs.StringVar(&s.documentPath, "document-path", "", "JSONC document store path (overrides SEARCHNODE_DOCUMENT_PATH)")
	fs.StringVar(&s.databaseURL, "database-url", "", "PostgreSQL DSN for the document store (overrides DATABASE_URL)")
	fs.BoolVarP(&s.verbose, "verbose", "v", false, "log at debug level to stderr")
}

func (s *session) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	s.bindGlobal(fs)
	return fs
}

func (s *session) config() *config.Config {
	cfg := config.LoadWithDefaults()
	if s.installRoot != "" {
		cfg.InstallRoot = s.installRoot
		if s.documentPath == "" {
			cfg.DocumentPath = filepath.Join(s.installRoot, "searchnode.jsonc")
		}
	}
	if s.documentPath != "" {
		cfg.DocumentPath = s.documentPath
	}
	if s.databaseURL != "" {
		cfg.DatabaseDSN = s.databaseURL
	}
	return cfg
}

func (s *session) runtime() (*bootstrap.Runtime, error) {
	if s.rt != nil {
		return s.rt, nil
	}
	level := slog.LevelWarn
	if s.verbose {
		level = slog.LevelDebug
	}
	log := logger.NewWithWriter(s.errOut, level, false)

	rt, err := bootstrap.Open(s.ctx, s.config(), log.Logger)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	return rt, nil
}

func (s *session) close() {
	if s.rt != nil {
		s.rt.Docs.Close()
		s.rt = nil
	}
}

// reporter prints progress lines to stderr.
func (s *session) reporter(name string) events.Reporter {
	return func(phase events.Phase, percent int, message string) {
		fmt.Fprintf(s.errOut, "[%s] %3d%% %-9s %s\n", name, percent, phase, message)
	}
}

func (s *session) printJSON(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArgs(args []string, n int, what string) error {
	if len(args) != n {
		return fmt.Errorf("expected %s, got %d argument(s)", what, len(args))
	}
	return nil
}

func parseRoles(values []string) []models.NodeRole {
	roles := make([]models.NodeRole, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			roles = append(roles, models.NodeRole(strings.ToLower(v)))
		}
	}
	return roles
}

// bindNodeFlags registers descriptor fields shared by create, update and validate.
func bindNodeFlags(fs *pflag.FlagSet) {
	fs.String("cluster", "", "cluster label")
	fs.String("host", "", "bind host")
	fs.Int("http-port", 0, "HTTP port (allocated when 0)")
	fs.Int("transport-port", 0, "transport port (allocated when 0)")
	fs.StringSlice("roles", nil, "comma separated roles: master,data,ingest")
	fs.String("heap-size", "", "heap size, e.g. 1g or 512m")
}

func nodeFromFlags(fs *pflag.FlagSet, name string) *models.Node {
	n := &models.Node{Name: name}
	n.Cluster, _ = fs.GetString("cluster")
	n.Host, _ = fs.GetString("host")
	n.HTTPPort, _ = fs.GetInt("http-port")
	n.TransportPort, _ = fs.GetInt("transport-port")
	roles, _ := fs.GetStringSlice("roles")
	n.Roles = parseRoles(roles)
	n.HeapSize, _ = fs.GetString("heap-size")
	return n
}

// updateFromFlags sets only the fields given on the command line.
func updateFromFlags(fs *pflag.FlagSet) *models.NodeUpdate {
	u := &models.NodeUpdate{}
	if fs.Changed("rename") {
		v, _ := fs.GetString("rename")
		u.Name = &v
	}
	if fs.Changed("cluster") {
		v, _ := fs.GetString("cluster")
		u.Cluster = &v
	}
	if fs.Changed("host") {
		v, _ := fs.GetString("host")
		u.Host = &v
	}
	if fs.Changed("http-port") {
		v, _ := fs.GetInt("http-port")
		u.HTTPPort = &v
	}
	if fs.Changed("transport-port") {
		v, _ := fs.GetInt("transport-port")
		u.TransportPort = &v
	}
	if fs.Changed("roles") {
		v, _ := fs.GetStringSlice("roles")
		u.Roles = parseRoles(v)
	}
	if fs.Changed("heap-size") {
		v, _ := fs.GetString("heap-size")
		u.HeapSize = &v
	}
	return u
}

func newRootCommand(s *session) *command {
	return &command{
		name:    "nodectl",
		summary: "Manage local search-engine nodes.",
		subcommands: []*command{
			listCommand(s),
			getCommand(s),
			createCommand(s),
			updateCommand(s),
			validateCommand(s),
			startCommand(s),
			stopCommand(s),
			moveCommand(s),
			copyCommand(s),
			removeCommand(s),
			reconcileCommand(s),
			clustersCommand(s),
			writeTargetCommand(s),
		},
	}
}

func listCommand(s *session) *command {
	return &command{
		name:    "list",
		summary: "List registered nodes with their status",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("list")
			fs.Bool("json", false, "print JSON instead of a table")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			nodes, err := rt.Manager.List(s.ctx)
			if err != nil {
				return err
			}
			if asJSON, _ := fs.GetBool("json"); asJSON {
				return s.printJSON(nodes)
			}
			tw := tabwriter.NewWriter(s.out, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCLUSTER\tSTATUS\tHTTP\tTRANSPORT\tROLES\tHEAP")
			for _, n := range nodes {
				roles := make([]string, len(n.Roles))
				for i, r := range n.Roles {
					roles[i] = string(r)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					n.Name, n.Cluster, n.Status, n.HTTPPort, n.TransportPort, strings.Join(roles, ","), n.HeapSize)
			}
			return tw.Flush()
		},
	}
}

func getCommand(s *session) *command {
	return &command{
		name:    "get",
		summary: "Show one node",
		usage:   "nodectl get <name> [flags]",
		flags:   func() *pflag.FlagSet { return s.flagSet("get") },
		run: func(_ *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			n, err := rt.Manager.Get(s.ctx, args[0])
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func createCommand(s *session) *command {
	return &command{
		name:    "create",
		summary: "Register a node and write its configuration",
		usage:   "nodectl create <name> [flags]",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("create")
			bindNodeFlags(fs)
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			n, err := rt.Manager.Create(s.ctx, nodeFromFlags(fs, args[0]))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func updateCommand(s *session) *command {
	return &command{
		name:    "update",
		summary: "Change a stopped node's settings",
		usage:   "nodectl update <name> [flags]",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("update")
			bindNodeFlags(fs)
			fs.String("rename", "", "new node name")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			n, err := rt.Manager.Update(s.ctx, args[0], updateFromFlags(fs))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func validateCommand(s *session) *command {
	return &command{
		name:    "validate",
		summary: "Check a candidate descriptor for collisions without writing",
		usage:   "nodectl validate <name> [flags]",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("validate")
			bindNodeFlags(fs)
			fs.String("original", "", "name of the node being edited, excluded from collision checks")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			original, _ := fs.GetString("original")
			result, err := rt.Manager.Validate(s.ctx, nodeFromFlags(fs, args[0]), original)
			if err != nil {
				return err
			}
			if err := s.printJSON(result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("candidate %q is not valid", args[0])
			}
			return nil
		},
	}
}

func startCommand(s *session) *command {
	return &command{
		name:    "start",
		summary: "Start a node and wait until it serves HTTP",
		usage:   "nodectl start <name> [flags]",
		flags:   func() *pflag.FlagSet { return s.flagSet("start") },
		run: func(_ *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			n, err := rt.Manager.Start(s.ctx, args[0], s.reporter(args[0]))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func stopCommand(s *session) *command {
	return &command{
		name:    "stop",
		summary: "Stop a running node",
		usage:   "nodectl stop <name> [flags]",
		flags:   func() *pflag.FlagSet { return s.flagSet("stop") },
		run: func(_ *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			n, err := rt.Manager.Stop(s.ctx, args[0], s.reporter(args[0]))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func moveCommand(s *session) *command {
	return &command{
		name:    "move",
		summary: "Relocate a stopped node's directories",
		usage:   "nodectl move <name> <new-root> [flags]",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("move")
			fs.Bool("preserve-data", true, "carry the data directory along")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 2, "a node name and a new root"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			preserve, _ := fs.GetBool("preserve-data")
			n, err := rt.Manager.Move(s.ctx, args[0], args[1], preserve, s.reporter(args[0]))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func copyCommand(s *session) *command {
	return &command{
		name:    "copy",
		summary: "Clone a node under a new name with fresh ports",
		usage:   "nodectl copy <source> <new-name> [flags]",
		flags: func() *pflag.FlagSet {
			fs := s.flagSet("copy")
			fs.String("root", "", "root directory for the copy (defaults under the nodes directory)")
			fs.Bool("copy-data", false, "copy the source data directory")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 2, "a source node and a new name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			root, _ := fs.GetString("root")
			copyData, _ := fs.GetBool("copy-data")
			n, err := rt.Manager.Copy(s.ctx, args[0], args[1], root, copyData, s.reporter(args[1]))
			if err != nil {
				return err
			}
			return s.printJSON(n)
		},
	}
}

func removeCommand(s *session) *command {
	return &command{
		name:    "remove",
		summary: "Stop a node, delete its directories and unregister it",
		usage:   "nodectl remove <name> [flags]",
		flags:   func() *pflag.FlagSet { return s.flagSet("remove") },
		run: func(_ *pflag.FlagSet, args []string) error {
			if err := requireArgs(args, 1, "a node name"); err != nil {
				return err
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			result, err := rt.Manager.Remove(s.ctx, args[0], s.reporter(args[0]))
			if result != nil {
				if perr := s.printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func reconcileCommand(s *session) *command {
	return &command{
		name:    "reconcile",
		summary: "Bring stored metadata and on-disk configuration back in agreement",
		flags:   func() *pflag.FlagSet { return s.flagSet("reconcile") },
		run: func(_ *pflag.FlagSet, _ []string) error {
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			report, err := rt.Manager.Reconcile(s.ctx)
			if err != nil {
				return err
			}
			return s.printJSON(report)
		},
	}
}

func clustersCommand(s *session) *command {
	return &command{
		name:    "clusters",
		summary: "List, create and delete cluster labels",
		subcommands: []*command{
			{
				name:    "list",
				summary: "List cluster labels",
				flags:   func() *pflag.FlagSet { return s.flagSet("list") },
				run: func(_ *pflag.FlagSet, _ []string) error {
					rt, err := s.runtime()
					if err != nil {
						return err
					}
					labels, err := rt.Manager.ListClusters(s.ctx)
					if err != nil {
						return err
					}
					for _, l := range labels {
						fmt.Fprintln(s.out, l)
					}
					return nil
				},
			},
			{
				name:    "create",
				summary: "Add a cluster label",
				usage:   "nodectl clusters create <label> [flags]",
				flags:   func() *pflag.FlagSet { return s.flagSet("create") },
				run: func(_ *pflag.FlagSet, args []string) error {
					if err := requireArgs(args, 1, "a cluster label"); err != nil {
						return err
					}
					rt, err := s.runtime()
					if err != nil {
						return err
					}
					return rt.Manager.CreateCluster(s.ctx, args[0])
				},
			},
			{
				name:    "delete",
				summary: "Delete an unused cluster label",
				usage:   "nodectl clusters delete <label> [flags]",
				flags:   func() *pflag.FlagSet { return s.flagSet("delete") },
				run: func(_ *pflag.FlagSet, args []string) error {
					if err := requireArgs(args, 1, "a cluster label"); err != nil {
						return err
					}
					rt, err := s.runtime()
					if err != nil {
						return err
					}
					return rt.Manager.DeleteCluster(s.ctx, args[0])
				},
			},
		},
	}
}

func writeTargetCommand(s *session) *command {
	return &command{
		name:    "write-target",
		summary: "Designate the node clients write to; no argument clears it",
		usage:   "nodectl write-target [name] [flags]",
		flags:   func() *pflag.FlagSet { return s.flagSet("write-target") },
		run: func(_ *pflag.FlagSet, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("expected at most one node name, got %d", len(args))
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			rt, err := s.runtime()
			if err != nil {
				return err
			}
			return rt.Manager.SetWriteTarget(s.ctx, name)
		},
	}
}
