package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/cache"
	"github.com/tOgg1/scrollback/internal/channel"
	"github.com/tOgg1/scrollback/internal/config"
	"github.com/tOgg1/scrollback/internal/db"
	"github.com/tOgg1/scrollback/internal/events"
	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/gateway"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/rest"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// ErrNoToken is returned by commands that need the Discord API when no
// token is configured.
var ErrNoToken = fmt.Errorf("no Discord token configured (set %s or use --offline)", config.EnvVar("discord.token"))

// runtime is the fetcher chain and sinks shared by the commands:
//
//	redis page cache -> archiving fetcher -> REST client
//
// Offline runtimes serve pages from the archive alone.
type runtime struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *channel.Metrics

	archive *db.DB
	repo    *db.MessageRepository
	api     *rest.Client
	cache   *cache.Redis
	fetcher fetch.Fetcher
	bus     *events.Bus

	metricsServer *metricsServer

	logger zerolog.Logger
}

type runtimeOptions struct {
	offline bool
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		registry: newRegistry(),
		logger:   logging.FromContext(ctx),
	}
	rt.metrics = channel.NewMetrics(rt.registry)

	if cfg.Cache.SQLitePath != "" {
		archive, err := db.Open(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.archive = archive
		rt.repo = db.NewMessageRepository(archive)
	}

	if opts.offline {
		if rt.repo == nil {
			rt.Close()
			return nil, errors.New("offline mode needs cache.sqlite_path")
		}
		rt.fetcher = rt.repo
	} else {
		if cfg.Discord.Token == "" {
			rt.Close()
			return nil, ErrNoToken
		}
		rt.api = rest.New(rest.Config{
			APIBase:   cfg.Discord.APIBase,
			Token:     cfg.Discord.Token,
			RateLimit: cfg.Discord.RateLimit,
			Burst:     cfg.Discord.Burst,
			Timeout:   cfg.Discord.RequestTimeout,
		})
		rt.fetcher = rt.api
		if rt.repo != nil {
			rt.fetcher = db.NewArchivingFetcher(rt.fetcher, rt.repo)
		}
		if cfg.Cache.RedisAddr != "" {
			c, err := cache.Connect(ctx, cfg.Cache.RedisAddr, rt.fetcher, cfg.Cache.RedisTTL)
			if err != nil {
				rt.logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unavailable, continuing without page cache")
			} else {
				rt.cache = c
				rt.fetcher = c
			}
		}
	}

	var recorders []events.Option
	if rt.repo != nil {
		recorders = append(recorders, events.WithRecorder(rt.repo))
	}
	if rt.cache != nil {
		recorders = append(recorders, events.WithRecorder(rt.cache))
	}
	rt.bus = events.NewBus(recorders...)

	if cfg.Metrics.Addr != "" {
		srv, err := startMetricsServer(ctx, cfg.Metrics.Addr, rt.registry)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.metricsServer = srv
	}
	return rt, nil
}

// manager builds a channel manager over the runtime's fetcher.
func (rt *runtime) manager() *channel.Manager {
	return channel.NewManager(rt.cfg.ChannelConfig(), rt.fetcher, channel.WithManagerMetrics(rt.metrics))
}

// gateway returns a realtime client, or nil when running offline.
func (rt *runtime) gateway() *gateway.Client {
	if rt.api == nil {
		return nil
	}
	return gateway.New(gateway.Config{
		URL:   rt.cfg.Discord.GatewayURL,
		Token: rt.cfg.Discord.Token,
	})
}

// channelName looks the channel up over REST. Failures fall back to the id.
func (rt *runtime) channelName(ctx context.Context, id snowflake.ID) (guild snowflake.ID, name string) {
	if rt.api == nil {
		return 0, id.String()
	}
	ch, err := rt.api.Channel(ctx, id)
	if err != nil || ch.Name == "" {
		if err != nil {
			rt.logger.Debug().Err(err).Stringer("channel", id).Msg("channel lookup failed")
		}
		return ch.GuildID, id.String()
	}
	return ch.GuildID, ch.Name
}

// follow runs the gateway and publishes every event on the bus until ctx
// is done or the gateway gives up.
func (rt *runtime) follow(ctx context.Context) error {
	gw := rt.gateway()
	if gw == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return gw.Run(ctx, func(ev models.Event) {
		rt.bus.Publish(ctx, ev)
	})
}

func (rt *runtime) Close() {
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Close()
	}
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if rt.archive != nil {
		_ = rt.archive.Close()
	}
}
