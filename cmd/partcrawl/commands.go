package main

import (
	"context"
	"fmt"

	"github.com/pcbsearch/partcrawl/internal/catalog"
	"github.com/pcbsearch/partcrawl/internal/config"
	"github.com/pcbsearch/partcrawl/internal/crawl"
	"github.com/pcbsearch/partcrawl/internal/match"
	"github.com/pcbsearch/partcrawl/internal/source/aisler"
	"github.com/pcbsearch/partcrawl/internal/source/github"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/cache"
	"github.com/pcbsearch/partcrawl/pkg/checkpoint"
	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/logging"
	"github.com/pcbsearch/partcrawl/pkg/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

func newCrawlCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl design repositories month by month from the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCrawl(cmd.Context())
		},
	}
}

func newCatalogCmd(a *app) *cobra.Command {
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Build the parts catalog, then match design items against it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCatalog(cmd.Context(), validateOnly)
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "skip the catalog build and only match items")
	return cmd
}

func newMatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "match",
		Short: "Match unmatched design items against the parts catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := a.runMatch(ctx, st); err != nil {
				return err
			}
			logTotals(ctx, st)
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "reset crawl|catalog",
		Short:     "Delete a checkpoint so the next run starts cold",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"crawl", "catalog"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := a.checkpointBackend(ctx)
			if err != nil {
				return err
			}

			switch args[0] {
			case "crawl":
				err = checkpoint.NewCrawlStore(backend).Reset(ctx)
			case "catalog":
				err = checkpoint.NewCatalogStore(backend).Reset(ctx)
			}
			if err != nil {
				return fmt.Errorf("reset %s checkpoint: %w", args[0], err)
			}
			log.Info().Str("kind", args[0]).Msg("Checkpoint reset")
			return nil
		},
	}
}

func (a *app) runCrawl(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateCrawl(); err != nil {
		return err
	}
	epoch, err := crawl.ParsePeriod(cfg.Crawl.Epoch)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := a.checkpointBackend(ctx)
	if err != nil {
		return err
	}

	logger := logging.NewLogger("github")
	govCfg := ratelimit.DefaultConfig()
	govCfg.SafetyMargin = cfg.GitHub.RateLimitSafety
	governor := ratelimit.NewGovernor(govCfg, nil, logger)

	clientCfg := client.DefaultConfig(governor, ratelimit.NewAbuseBackoff(0, nil, nil, logger), cfg.GitHub.UserAgent)
	clientCfg.Header.Set("Accept", "application/vnd.github+json")
	if cfg.GitHub.Token != "" {
		clientCfg.Header.Set("Authorization", "token "+cfg.GitHub.Token)
	}

	rdb, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		clientCfg.Cache = cache.NewManager(rdb)
		clientCfg.CacheTTL = cfg.Cache.TTL
	}

	api, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	urls := github.NewURLs(cfg.GitHub.BaseURL, cfg.GitHub.PerPage)
	decoder := github.NewSearchDecoder(cfg.GitHub.ResultCap)

	orch, err := crawl.New(crawl.Config{
		Search:      api,
		Lookups:     github.NewLookups(api, urls, decoder),
		Store:       st,
		Checkpoints: checkpoint.NewCrawlStore(backend),
		URLs:        urls,
		Decoder:     decoder,
		Epoch:       epoch,
		Stop:        a.token,
		Governor:    governor,
	})
	if err != nil {
		return err
	}

	sum, err := orch.Run(ctx)
	log.Info().
		Int("windows", sum.Windows).
		Int("repos_seen", sum.ReposSeen).
		Int("repos_stored", sum.ReposStored).
		Int("design_files", sum.DesignFiles).
		Int("skipped", sum.Skipped).
		Int("duplicates", sum.Duplicates).
		Str("completed_through", sum.CompletedThrough).
		Msg("Crawl run finished")
	if err != nil {
		return err
	}
	logTotals(ctx, st)
	return nil
}

func (a *app) runCatalog(ctx context.Context, validateOnly bool) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if !validateOnly {
		if err := a.buildCatalog(ctx, st); err != nil {
			return err
		}
	}

	if err := a.runMatch(ctx, st); err != nil {
		return err
	}
	logTotals(ctx, st)
	return nil
}

func (a *app) buildCatalog(ctx context.Context, st store.Store) error {
	cfg := a.cfg
	if err := cfg.ValidateCatalog(); err != nil {
		return err
	}

	schedule, err := ratelimit.NewDailySchedule(0, cfg.Aisler.ResetZone)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	backend, err := a.checkpointBackend(ctx)
	if err != nil {
		return err
	}

	logger := logging.NewLogger("aisler")
	governor := ratelimit.NewGovernor(ratelimit.Config{
		SafetyMargin: 1,
		Limit:        cfg.Aisler.DailyLimit,
		Schedule:     schedule,
	}, nil, logger)

	clientCfg := client.DefaultConfig(governor, ratelimit.NewAbuseBackoff(0, nil, nil, logger), cfg.Aisler.UserAgent)
	clientCfg.Header = aisler.AuthHeader(cfg.Aisler.ClientID, cfg.Aisler.Authorization)
	clientCfg.Header.Set("Accept", "application/vnd.api+json")

	api, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	builder, err := catalog.New(catalog.Config{
		Getter:          api,
		Store:           st,
		Checkpoints:     checkpoint.NewCatalogStore(backend),
		PartsURL:        cfg.Aisler.PartsURL,
		Limiter:         rate.NewLimiter(rate.Every(cfg.Aisler.PageDelay), 1),
		RecrawlInterval: cfg.Aisler.RecrawlInterval,
		Stop:            a.token,
	})
	if err != nil {
		return err
	}

	sum, err := builder.Run(ctx)
	log.Info().
		Int("pages", sum.Pages).
		Int("inserted", sum.Inserted).
		Int("duplicates", sum.Duplicates).
		Int("skipped", sum.Skipped).
		Bool("up_to_date", sum.UpToDate).
		Bool("finished", sum.Finished).
		Msg("Catalog run finished")
	return err
}

func (a *app) runMatch(ctx context.Context, st store.Store) error {
	rules := match.DefaultRules()
	if path := a.cfg.Match.RulesFile; path != "" {
		loaded, err := match.LoadRules(path)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		rules = loaded
	}

	filter, err := match.Compile(rules)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	_, err = match.New(st, filter, a.token).Run(ctx)
	return err
}

// Compile-time checks that the wired implementations satisfy the job interfaces.
var (
	_ crawl.Lookups        = (*github.Lookups)(nil)
	_ crawl.StatusReporter = (*ratelimit.Governor)(nil)
	_ catalog.PartStore    = (store.Store)(nil)
	_ match.Store          = (store.Store)(nil)
)
