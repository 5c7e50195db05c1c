// Command booru-cache resolves imageboard tags and users through a local
// cache and downloads post files without duplicate transfers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/client"
	"github.com/wolfeidau/booru-cache/credentials"
	"github.com/wolfeidau/booru-cache/credentials/opprovider"
	"github.com/wolfeidau/booru-cache/resolve"
	"github.com/wolfeidau/booru-cache/site"
	"github.com/wolfeidau/booru-cache/sweep"
	"github.com/wolfeidau/booru-cache/telemetry"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	DataDir     string            `help:"Directory holding the metadata database." default:"./booru-cache" type:"path"`
	DownloadDir string            `help:"Directory downloads are published to." default:"./downloads" type:"path"`
	Site        map[string]string `help:"Site API endpoints as NAME=URL." default:"danbooru=https://danbooru.donmai.us" placeholder:"NAME=URL"`
	Credentials string            `help:"JSON template of site accounts (login, api_key, base_url)." type:"existingfile"`
	UserAgent   string            `help:"User-Agent sent to site APIs." default:"booru-cache"`
	RateLimit   time.Duration     `help:"Minimum interval between API requests per site." default:"500ms"`

	MaxDownloads   int           `help:"Maximum concurrent downloads (0 for no limit)." default:"4"`
	KeepFailedTemp bool          `help:"Leave temp files of failed downloads for the sweep." default:"true" negatable:""`
	TempMaxAge     time.Duration `help:"Age after which leftover temp files are removed." default:"24h"`
	TempMaxSize    int64         `help:"Total bytes of temp files kept before the oldest are removed (0 to disable)." default:"1073741824"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	MetricsAddr  string `help:"Serve Prometheus metrics on this address while the command runs."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Tag      TagCmd      `cmd:"" help:"Resolve tags by name."`
	User     UserCmd     `cmd:"" help:"Resolve users by id."`
	Tags     TagsCmd     `cmd:"" help:"Page through a site's tag listing."`
	Download DownloadCmd `cmd:"" help:"Download a post file."`
	Recent   RecentCmd   `cmd:"" help:"List recently read entities."`
	Clear    ClearCmd    `cmd:"" help:"Delete the stored history of a site."`
	Sweep    SweepCmd    `cmd:"" help:"Remove stale temp files now."`
	Serve    ServeCmd    `cmd:"" help:"Serve the JSON API."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("booru-cache"),
		kong.Description("Resolve and download imageboard metadata through a local cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler), nil
}

// open builds the client and metrics for one command. The returned
// function releases both.
func (g *Globals) open(ctx context.Context) (*client.Client, func(), error) {
	logger, err := g.logger()
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "booru-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: g.MetricsAddr != "",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var metricsSrv *http.Server
	if g.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: g.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "address", g.MetricsAddr)
	}

	parsers, err := g.parsers(ctx, logger)
	if err != nil {
		return nil, nil, err
	}

	sweepCfg := sweep.DefaultConfig()
	sweepCfg.MaxAge = g.TempMaxAge
	sweepCfg.MaxBytes = g.TempMaxSize
	sweepCfg.Logger = logger

	c, err := client.New(ctx, client.Config{
		DataDir:                g.DataDir,
		DownloadDir:            g.DownloadDir,
		MaxConcurrentDownloads: g.MaxDownloads,
		KeepFailedTemp:         g.KeepFailedTemp,
		Sweep:                  sweepCfg,
		TagRetry:               &resolve.TagRetryPolicy,
		UserRetry:              &resolve.UserRetryPolicy,
		Logger:                 logger,
	}, parsers)
	if err != nil {
		return nil, nil, err
	}

	release := func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing client failed", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics failed", "error", err)
		}
	}
	return c, release, nil
}

// parsers builds one parser per --site flag and per account in the
// credentials file. Accounts override the flag's base URL.
func (g *Globals) parsers(ctx context.Context, logger *slog.Logger) (*site.Directory, error) {
	accounts := map[boorucache.Site]credentials.Account{}
	for name, baseURL := range g.Site {
		accounts[boorucache.Site(name)] = credentials.Account{Name: boorucache.Site(name), BaseURL: baseURL}
	}
	if g.Credentials != "" {
		resolver := credentials.NewResolver(credentials.WithLogger(logger), opprovider.WithOnePassword())
		creds, err := resolver.ResolveFile(ctx, g.Credentials)
		if err != nil {
			return nil, err
		}
		for _, a := range creds.Sites {
			if a.BaseURL == "" {
				a.BaseURL = accounts[a.Name].BaseURL
			}
			accounts[a.Name] = a
		}
	}

	parsers := site.NewDirectory()
	for name, a := range accounts {
		ua := a.UserAgent
		if ua == "" {
			ua = g.UserAgent
		}
		p, err := site.NewJSONParser(name, a.BaseURL,
			site.WithUserAgent(ua),
			site.WithRateLimit(rateEvery(g.RateLimit), 2),
			site.WithAccount(a.Login, a.APIKey),
			site.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("configuring site %s: %w", name, err)
		}
		parsers.Register(name, p)
	}
	return parsers, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
