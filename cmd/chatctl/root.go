package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blogchat/chatrelay/internal/client"
	"github.com/blogchat/chatrelay/internal/config"
	"github.com/blogchat/chatrelay/internal/conversation"
	"github.com/blogchat/chatrelay/internal/conversation/postgres"
	"github.com/blogchat/chatrelay/internal/conversation/sqlite"
	"github.com/blogchat/chatrelay/internal/logging"
	"github.com/blogchat/chatrelay/internal/version"
)

// app carries what every subcommand needs once the root has resolved config.
type app struct {
	v      *viper.Viper
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg       config.ClientConfig
	store     *conversation.Store
	logger    *log.Logger
	logCloser io.Closer
	// httpClient is swapped in tests; nil uses the default transport.
	httpClient client.HTTPClient
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Chat with DeepSeek, OpenAI, Anthropic and Google models through relayd",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["store"] == "none" {
				return nil
			}
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.String("root", ".", "directory holding config/ and .env")
	flags.String("relay-url", "", "relay base URL (overrides relay_url)")
	flags.String("store", "", "conversation store: sqlite, postgres or memory")
	flags.String("dsn", "", "store path or connection string")
	flags.StringP("log-level", "l", "", "log level (debug enables request logs)")
	flags.Duration("timeout", 0, "per-turn timeout, 0 for none")
	for key, flag := range map[string]string{
		"root":            "root",
		"relay_url":       "relay-url",
		"store_driver":    "store",
		"store_dsn":       "dsn",
		"log_level":       "log-level",
		"request_timeout": "timeout",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newConvCmd(a), newConfigCmd(a), newSendCmd(a), newChatCmd(a), newProvidersCmd(a), newVersionCmd())
	return root
}

// open resolves configuration, flags win over config files, then loads the store.
func (a *app) open(ctx context.Context) error {
	rootDir := a.v.GetString("root")
	if err := config.LoadDotEnv(rootDir); err != nil {
		return err
	}
	cfg, err := config.LoadClientConfig(rootDir)
	if err != nil {
		return err
	}
	if a.v.IsSet("relay_url") {
		cfg.RelayURL = strings.TrimSuffix(a.v.GetString("relay_url"), "/")
	}
	if a.v.IsSet("store_driver") {
		cfg.StoreDriver = strings.ToLower(a.v.GetString("store_driver"))
	}
	if a.v.IsSet("store_dsn") {
		cfg.StoreDSN = a.v.GetString("store_dsn")
	}
	if a.v.IsSet("log_level") {
		cfg.LogLevel = strings.ToLower(a.v.GetString("log_level"))
	}
	if a.v.IsSet("request_timeout") {
		cfg.RequestTimeout = a.v.GetDuration("request_timeout")
	}
	a.cfg = cfg

	if cfg.LogLevel == "debug" {
		var w io.Writer = a.errOut
		if cfg.LogFile != "" {
			rot, err := logging.NewRotatingWriter(cfg.LogFile, logging.DefaultMaxBytes)
			if err != nil {
				return fmt.Errorf("init rotating log: %w", err)
			}
			a.logCloser = rot
			w = rot
		}
		a.logger = log.New(w, "[chatctl] ", logging.Flags)
	}

	p, err := openPersister(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	store := conversation.NewStore(p)
	if err := store.Load(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	return nil
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
	return err
}

func openPersister(driver, dsn string) (conversation.Persister, error) {
	switch driver {
	case "memory":
		return conversation.NewMemoryPersister(), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store needs a dsn")
		}
		return postgres.New(dsn)
	case "", "sqlite":
		if dsn == "" {
			dsn = config.DefaultStorePath()
		}
		return sqlite.New(dsn)
	default:
		return nil, fmt.Errorf("unknown store %q", driver)
	}
}

func (a *app) consumer() (*client.Consumer, error) {
	httpClient := a.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c, err := client.NewConsumer(a.cfg.RelayURL, a.store, httpClient)
	if err != nil {
		return nil, err
	}
	c.SetLogger(a.logger)
	return c, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print build information",
		Annotations: map[string]string{"store": "none"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := &app{v: viper.New(), in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		_ = a.close()
		stop()
		os.Exit(1)
	}
}
