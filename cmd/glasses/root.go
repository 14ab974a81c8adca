// ABOUTME: Root command, shared flags, and config/client wiring for every subcommand
// ABOUTME: Config priority: --config flag > GLASSES_CONFIG > XDG config dir

package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/littlebotshi/openclaw-glasses/internal/config"
	"github.com/littlebotshi/openclaw-glasses/internal/gateway"
	"github.com/littlebotshi/openclaw-glasses/internal/identity"
	"github.com/littlebotshi/openclaw-glasses/internal/store"
)

type rootOptions struct {
	configPath string
	url        string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "glasses",
		Short:         "Talk to an OpenClaw gateway from the terminal",
		Long:          "glasses signs in to an OpenClaw gateway with this device's key, then sends chat messages or raw requests and prints the replies.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	flags.StringVar(&opts.url, "url", "", "gateway URL, overrides the config file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newCallCmd(opts),
		newIdentityCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// env is what a subcommand needs after flags are parsed.
type env struct {
	cfg    *config.Config
	path   string
	logger *slog.Logger
}

func (o *rootOptions) load(stderr io.Writer) (*env, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if o.url != "" {
		cfg.Gateway.URL = o.url
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return &env{cfg: cfg, path: path, logger: setupLogger(cfg.Logging, stderr)}, nil
}

// identityStore opens the device identity named by the config.
func (e *env) identityStore() *identity.Store {
	idPath, authPath := identity.DefaultPaths()
	if e.cfg.Identity.Path != "" {
		idPath = e.cfg.Identity.Path
	}
	if e.cfg.Identity.AuthPath != "" {
		authPath = e.cfg.Identity.AuthPath
	}
	return identity.NewStore(idPath, authPath, e.logger)
}

// journalPath returns the configured journal location, or a file next to
// the identity record.
func (e *env) journalPath() string {
	if e.cfg.Journal.Path != "" {
		return e.cfg.Journal.Path
	}
	idPath, _ := identity.DefaultPaths()
	return filepath.Join(filepath.Dir(filepath.Dir(idPath)), "glasses", "journal.db")
}

// openClient builds a gateway client. The returned cleanup closes the client
// and the journal.
func (e *env) openClient() (*gateway.Client, func(), error) {
	opts := []gateway.Option{
		gateway.WithLogger(e.logger),
		gateway.WithCredentials(e.identityStore()),
		gateway.WithClientVersion(version),
	}

	var journal *store.SQLiteStore
	if e.cfg.Journal.Enabled {
		j, err := store.NewSQLiteStore(e.journalPath())
		if err != nil {
			return nil, nil, fmt.Errorf("opening journal: %w", err)
		}
		journal = j
		opts = append(opts, gateway.WithJournal(journal))
	}

	client, err := gateway.New(e.cfg, opts...)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		if journal != nil {
			journal.Close()
		}
	}
	return client, cleanup, nil
}
