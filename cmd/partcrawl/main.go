// Command partcrawl crawls public PCB design repositories, builds a local
// parts catalog and matches design items against it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pcbsearch/partcrawl/internal/config"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/checkpoint"
	"github.com/pcbsearch/partcrawl/pkg/logging"
	"github.com/pcbsearch/partcrawl/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// errInit marks failures to open a session with a backing service before any
// work starts (record store, Redis, metrics listener).
var errInit = errors.New("initialization failed")

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := stop.NewToken()
	stopSignals := stop.Notify(token, cancel)
	defer stopSignals()

	a := &app{token: token}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	code := exitCode(err)
	switch {
	case err == nil:
	case code == exitInterrupted:
		log.Warn().Err(err).Int("exit_code", code).Msg("Interrupted - progress up to the last completed slice is saved")
	default:
		log.Error().Err(err).Int("exit_code", code).Msg("partcrawl failed")
	}
	return code
}

// app carries the loaded configuration and the shared connections of one
// invocation.
type app struct {
	configPath string
	logLevel   string

	cfg   *config.Config
	token *stop.Token
	redis *redis.Client
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "partcrawl",
		Short:         "Crawl PCB design repositories and build a matched parts catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./partcrawl.yaml if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newCrawlCmd(a),
		newCatalogCmd(a),
		newMatchCmd(a),
		newResetCmd(a),
	)
	return root
}

// setup loads and validates configuration, then configures logging and the
// optional metrics listener.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.File = cfg.Log.File
	logging.Setup(logCfg)

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Listen(cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("%w: %v", errInit, err)
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}
	return nil
}

// redisClient connects to Redis on first use. It returns nil when no address
// is configured.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil || a.cfg.Redis.Addr == "" {
		return a.redis, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", errInit, a.cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")
	a.redis = rdb
	return rdb, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInit, err)
	}
	return st, nil
}

func (a *app) checkpointBackend(ctx context.Context) (checkpoint.Backend, error) {
	if a.cfg.Checkpoint.Backend == "redis" {
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedisBackend(rdb), nil
	}
	return checkpoint.NewFileBackend(a.cfg.Checkpoint.Dir), nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	logging.Close()
}

// logTotals reports the record store contents at the end of a command.
func logTotals(ctx context.Context, st store.Store) {
	counts, err := st.Counts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count stored records")
		return
	}
	log.Info().
		Int("repos", counts.Repos).
		Int("items", counts.Items).
		Int("matched_items", counts.MatchedItems).
		Int("parts", counts.Parts).
		Msg("Record store totals")
}
