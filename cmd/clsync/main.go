// cmd/clsync/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"clsync/client"
	"clsync/internal/config"
	"clsync/internal/logging"
	"clsync/internal/workspace"
	shared "clsync/shared/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose bool
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "clsync",
	Short: "clsync keeps changelists in step with your working copy",
	Long: `clsync groups the pending changes of a working copy into named changelists
and keeps those lists consistent while files change underneath them.`,
	SilenceUsage: true,
}

// session is one command's view of the workspace.
type session struct {
	ws     *workspace.Workspace
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) Close() {
	s.cancel()
	if err := s.ws.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing workspace:", err)
	}
}

// openSession opens the enclosing workspace and waits for a full rescan.
func openSession(cmd *cobra.Command) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("not inside a clsync workspace (run \"clsync init\"): %w", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(level, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	ws, err := workspace.Open(root, cfg, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	s := &session{ws: ws, ctx: ctx, cancel: func() { cancel(); stop() }}
	if err := ws.Refresh(ctx); err != nil {
		logger.Warn("refresh incomplete", zap.Error(err))
	}
	return s, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log refresh activity")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting for a rescan after this long")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new clsync workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			if err := workspace.Initialize(dir); err != nil {
				return fmt.Errorf("initializing workspace: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Initialized empty clsync workspace in", dir)
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show changes grouped by changelist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ignored, _ := cmd.Flags().GetBool("ignored")
			renderStatus(cmd.OutOrStdout(), s.ws.Status(), s.ws.Provider.Root(), ignored)
			return nil
		},
	}
	statusCmd.Flags().Bool("ignored", false, "also list ignored paths")

	var addCmd = &cobra.Command{
		Use:   "add [paths...]",
		Short: "Schedule unversioned files for addition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ws.Add(s.ctx, args); err != nil {
				return fmt.Errorf("adding files: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %d file(s) for addition\n", len(args))
			return nil
		},
	}

	var commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Commit the changes of one changelist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			list, _ := cmd.Flags().GetString("list")
			committed, err := s.ws.Commit(s.ctx, list)
			if err != nil {
				return fmt.Errorf("committing: %w", err)
			}
			root := s.ws.Provider.Root()
			for _, c := range committed {
				fmt.Fprintf(cmd.OutOrStdout(), "\t%s %s\n", marker(c.Status().String()), describe(root, shared.NewChange(c, "")))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Committed %d change(s)\n", len(committed))
			return nil
		},
	}
	commitCmd.Flags().StringP("list", "l", "", "changelist to commit (default list when empty)")

	var moveCmd = &cobra.Command{
		Use:   "move <list> <paths...>",
		Short: "Move changes to another changelist",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var paths []string
			for _, p := range args[1:] {
				rel, err := s.ws.Provider.Rel(p)
				if err != nil {
					return err
				}
				paths = append(paths, s.ws.Provider.Abs(rel))
			}
			moves, err := s.ws.Manager.MoveChangesByPath(paths, args[0])
			if err != nil {
				return fmt.Errorf("moving changes: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %d change(s) to %q\n", len(moves), args[0])
			return nil
		},
	}

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "Show and manage changelists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			renderLists(cmd.OutOrStdout(), s.ws.ChangeLists())
			return nil
		},
	}

	var listAddCmd = &cobra.Command{
		Use:   "add <name>",
		Short: "Create a changelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			comment, _ := cmd.Flags().GetString("comment")
			if _, err := s.ws.Manager.AddList(args[0], comment, nil); err != nil {
				return fmt.Errorf("creating changelist: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created changelist %q\n", args[0])
			return nil
		},
	}
	listAddCmd.Flags().StringP("comment", "m", "", "changelist description")

	var listRemoveCmd = &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a changelist; its changes move to the default list",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			moved, err := s.ws.Manager.RemoveList(args[0])
			if err != nil {
				return fmt.Errorf("removing changelist: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed changelist %q (%d change(s) moved to %q)\n",
				args[0], len(moved), s.ws.Manager.DefaultList().Name)
			return nil
		},
	}

	var listRenameCmd = &cobra.Command{
		Use:   "rename <from> <to>",
		Short: "Rename a changelist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.ws.Manager.RenameList(args[0], args[1]); err != nil {
				return fmt.Errorf("renaming changelist: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %q to %q\n", args[0], args[1])
			return nil
		},
	}

	var listDefaultCmd = &cobra.Command{
		Use:   "default <name>",
		Short: "Make a changelist the default one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.ws.Manager.SetDefaultList(args[0]); err != nil {
				return fmt.Errorf("setting default changelist: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%q is now the default changelist\n", args[0])
			return nil
		},
	}

	var listCommentCmd = &cobra.Command{
		Use:   "comment <name> <text>",
		Short: "Set the description of a changelist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.ws.Manager.EditComment(args[0], args[1]); err != nil {
				return fmt.Errorf("editing comment: %w", err)
			}
			return nil
		},
	}

	var remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running clsync server",
	}

	var remoteStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the status reported by a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			refresh, _ := cmd.Flags().GetBool("refresh")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := client.New(server)
			var st *shared.Status
			var err error
			if refresh {
				st, err = c.Refresh(ctx)
			} else {
				st, err = c.Status(ctx)
			}
			if err != nil {
				return fmt.Errorf("fetching status from %s: %w", server, err)
			}
			renderStatus(cmd.OutOrStdout(), *st, rootOf(*st), false)
			return nil
		},
	}
	remoteStatusCmd.Flags().String("server", "http://localhost:8080", "server address")
	remoteStatusCmd.Flags().Bool("refresh", false, "force a rescan first")

	listCmd.AddCommand(listAddCmd, listRemoveCmd, listRenameCmd, listDefaultCmd, listCommentCmd)
	remoteCmd.AddCommand(remoteStatusCmd)
	rootCmd.AddCommand(initCmd, statusCmd, addCmd, commitCmd, moveCmd, listCmd, remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
