// Package cli implements the nbsync command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/paths"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	user      string
}

// app is the state shared by one command invocation.
type app struct {
	flags     rootFlags
	configDir string
	settings  settings
	logger    *slog.Logger
	logOut    io.Writer
}

// exitError carries the process exit code for an error returned by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &exitError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func sysError(format string, args ...any) error {
	return &exitError{code: exitSysError, err: fmt.Errorf(format, args...)}
}

// NewRootCmd creates the top-level "nbsync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{logOut: os.Stderr}

	root := &cobra.Command{
		Use:   "nbsync",
		Short: "Offline-first persistence for notebook documents",
		Long: "nbsync keeps notebook documents, tutoring transcripts and quiz answers\n" +
			"in a local cache and a versioned remote store, replaying offline edits\n" +
			"when the remote comes back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (env "+paths.EnvConfigDir+")")
	root.PersistentFlags().StringVar(&a.flags.dataDir, "data-dir", "", "data directory (env "+paths.EnvDataDir+")")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&a.flags.user, "user", "", "user id (overrides the config file)")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newServeCmd(a),
		newStatusCmd(a),
		newShowCmd(a),
		newReplayCmd(a),
		newRestoreCmd(a),
		newEditCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	os.Exit(run(NewRootCmd(), os.Stderr))
}

func run(root *cobra.Command, stderr io.Writer) int {
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUserError
}

// setup loads .env, the config file and the logger.
func (a *app) setup() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return sysError("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return sysError("%w", err)
	}
	s, err := decodeSettings(v)
	if err != nil {
		return userError("%w", err)
	}

	dataDir, err := paths.ResolveDataDir(a.flags.dataDir, s.Cache.DataDir)
	if err != nil {
		return sysError("resolve data dir: %w", err)
	}
	s.Cache.DataDir = dataDir
	if a.flags.user != "" {
		s.User = a.flags.user
	}
	if err := s.engineConfig().Validate(); err != nil {
		return userError("invalid config in %s: %w", configDir, err)
	}

	logger, err := newLogger(a.logOut, s.Log.Level, s.Log.Format)
	if err != nil {
		return userError("%w", err)
	}
	slog.SetDefault(logger)

	a.configDir = configDir
	a.settings = s
	a.logger = logger
	return nil
}

// requireUser returns the configured user id or a user error.
func (a *app) requireUser() (string, error) {
	if a.settings.User == "" {
		return "", userError("no user id: pass --user or set user in %s", configFilePath(a.configDir))
	}
	return a.settings.User, nil
}
