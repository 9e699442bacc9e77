package main

import (
	"context"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	logx "broadcastd/pkg/logx"
)

const configEnv = "BROADCASTD_CONFIG"

var defaultConfigPaths = []string{"./broadcastd.yaml", "./broadcastd.yml", "./broadcastd.json"}

type commandContext struct {
	configFlag *string
	actorFlag  *string
	jsonFlag   *bool

	configOnce sync.Once
	configPath string
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, actorFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, actorFlag: actorFlag, jsonFlag: jsonFlag}
}

// ensureConfig loads --config, $BROADCASTD_CONFIG or the first default path
// that exists. Without any file the built-in defaults are used.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := resolveConfigPath(strings.TrimSpace(*c.configFlag))
		if path == "" {
			c.config = config.Default()
			return
		}
		cfg, err := config.NewConfigManager(path).Load()
		if err != nil {
			c.configErr = err
			return
		}
		c.configPath = path
		c.config = cfg
	})
	return c.config, c.configErr
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := strings.TrimSpace(os.Getenv(configEnv)); env != "" {
		return env
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *commandContext) jsonOutput() bool { return c.jsonFlag != nil && *c.jsonFlag }

// actorContext tags ctx with the operator for audit entries.
func (c *commandContext) actorContext(ctx context.Context) context.Context {
	actor := strings.TrimSpace(*c.actorFlag)
	if actor == "" {
		if u, err := user.Current(); err == nil {
			actor = u.Username
		}
	}
	if actor == "" {
		return ctx
	}
	return broadcast.WithActor(ctx, actor)
}

func (c *commandContext) logger() logx.Logger {
	cfg, _ := c.ensureConfig()
	level := "warn"
	if cfg != nil && strings.EqualFold(strings.TrimSpace(cfg.Logging.Level), "debug") {
		level = "debug"
	}
	return logx.NewConsole(level)
}

// withEngine opens the engine for one command and closes it afterwards.
func (c *commandContext) withEngine(cmd *cobra.Command, mode app.Mode, fn func(context.Context, *app.Engine) error) (err error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	eng, err := app.OpenEngine(cfg, app.EngineOptions{Mode: mode}, c.logger())
	if err != nil {
		return err
	}
	ctx := c.actorContext(cmd.Context())
	eng.Start(ctx)
	defer func() {
		// Interrupted commands leave PENDING rows for the daemon's resume pass.
		closeErr := eng.Close(context.WithoutCancel(ctx))
		if err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, eng)
}
