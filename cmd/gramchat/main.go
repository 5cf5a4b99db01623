// Command gramchat is a terminal client for the Gram AI relay.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/identity"
	"github.com/MegaGrindStone/gram-ai/internal/services"
	"github.com/spf13/cobra"
)

type profileStore interface {
	identity.Store
	services.TokenStore
}

// app holds everything the subcommands share. It is built once the flags have been parsed.
type app struct {
	cfg     clientConfig
	client  *http.Client
	manager *identity.Manager
	auth    services.AuthClient
	logger  *slog.Logger

	close func() error
}

type rootFlags struct {
	configPath  string
	server      string
	language    string
	apiKey      string
	storePath   string
	ephemeral   bool
	reconcile   string
	readTimeout time.Duration
	verbose     bool
}

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	a := &app{}

	root := &cobra.Command{
		Use:          "gramchat",
		Short:        "Chat with the Gram AI farming assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, flags)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.close == nil {
				return nil
			}
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to the client config file")
	pf.StringVar(&flags.server, "server", "", "base URL of the relay")
	pf.StringVar(&flags.language, "lang", "", "reply language (en, hi, mr, te, ta, bn)")
	pf.StringVar(&flags.apiKey, "api-key", "", "public API key of the relay")
	pf.StringVar(&flags.storePath, "store", "", "path of the local identity store")
	pf.BoolVar(&flags.ephemeral, "ephemeral", false, "keep the identity in memory only")
	pf.StringVar(&flags.reconcile, "reconcile", "", "stopgap identity policy (none, adopt)")
	pf.DurationVar(&flags.readTimeout, "read-timeout", 0, "maximum silence while a reply is streaming")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newChatCmd(a),
		newWhoamiCmd(a),
		newLogoutCmd(a),
		newHistoryCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command, flags *rootFlags) error {
	cfgDir, err := defaultConfigDir()
	if err != nil {
		return err
	}

	cfgPath := flags.configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(cfgDir, "client.yaml")
	}
	cfg, err := loadClientConfig(cfgPath)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.Server = flags.server
	}
	if changed("lang") {
		cfg.Language = flags.language
	}
	if changed("api-key") {
		cfg.APIKey = flags.apiKey
	}
	if changed("store") {
		cfg.StorePath = flags.storePath
	}
	if changed("reconcile") {
		cfg.Reconcile = flags.reconcile
	}
	if changed("read-timeout") {
		cfg.ReadTimeout = flags.readTimeout
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GRAMAI_API_KEY")
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	reconcile, err := cfg.reconcileMode()
	if err != nil {
		return err
	}

	var store profileStore
	if flags.ephemeral {
		store = services.NewMemoryStore()
	} else {
		storePath := cfg.StorePath
		if storePath == "" {
			if err := os.MkdirAll(cfgDir, 0755); err != nil {
				return fmt.Errorf("error creating config directory: %w", err)
			}
			storePath = filepath.Join(cfgDir, "client.db")
		}
		boltDB, err := services.NewBoltDB(storePath)
		if err != nil {
			return err
		}
		store = boltDB
		a.close = boltDB.Close
	}

	a.cfg = cfg
	a.client = &http.Client{}
	a.logger = logger
	a.auth = services.NewAuthClient(cfg.server(), cfg.APIKey, store, a.client, logger)
	a.manager = identity.NewManager(store, a.auth, identity.Options{Reconcile: reconcile, Logger: logger})

	return nil
}
