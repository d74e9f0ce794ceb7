package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required"`
		DefaultLanguage  string `env:"LANG,default=en"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		DotPath          string `env:"DOT_PATH,default=~/.modbot"`
		DBFile           string `env:"DB_FILE,default=modbot.db"`
		MetricsAddr      string `env:"METRICS_ADDR"`
		Moderation       Moderation
	}

	Moderation struct {
		MuteMaxDuration time.Duration `env:"MUTE_MAX_DURATION,default=672h"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
		// ModlogChannels seeds the modlog routing as guild_id:channel_id pairs.
		ModlogChannels map[string]string `env:"MODLOG_CHANNELS"`
	}
)

const envPrefix = "MODBOT_"

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg, err := load(context.Background(), envconfig.OsLookuper())
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	envcfg := envconfig.Config{
		Lookuper: envconfig.PrefixLookuper(envPrefix, lookuper),
		Target:   cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	dotPath, err := homedir.Expand(cfg.DotPath)
	if err != nil {
		return nil, fmt.Errorf("expand dot path: %w", err)
	}
	cfg.DotPath = dotPath
	if _, err := cfg.Moderation.ModlogRoutes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// ModlogRoutes parses ModlogChannels into guild id -> channel id.
func (m Moderation) ModlogRoutes() (map[int64]int64, error) {
	routes := make(map[int64]int64, len(m.ModlogChannels))
	for guild, channel := range m.ModlogChannels {
		guildID, err := strconv.ParseInt(strings.TrimSpace(guild), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("modlog route %q: bad guild id: %w", guild, err)
		}
		channelID, err := strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("modlog route %q: bad channel id: %w", guild, err)
		}
		routes[guildID] = channelID
	}
	return routes, nil
}
