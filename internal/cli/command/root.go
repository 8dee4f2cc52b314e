package command

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/rnode-go/internal/cli/output"
	"github.com/yndnr/rnode-go/internal/infra/buildinfo"
	"github.com/yndnr/rnode-go/internal/infra/confloader"
	"github.com/yndnr/rnode-go/internal/node"
	"github.com/yndnr/rnode-go/internal/node/config"
	"github.com/yndnr/rnode-go/internal/telemetry/logger"
)

// metaNodeOptions is the App.Metadata key holding the node.Options every
// command starts its node with.
const metaNodeOptions = "nodeOptions"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "rnode-agent",
		Usage:   "Connect local services to a core node",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			RunCommand(),
			FetchCommand(),
			PublishCommand(),
			SubscribeCommand(),
			MembersCommand(),
			VersionCommand(),
		},
		Metadata: map[string]any{
			metaNodeOptions: node.Options{},
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML configuration file",
			EnvVars: []string{"RNODE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "core-url",
			Usage: "Core node URL, overrides core.url",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "Access token, overrides core.token",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
	}
}

// GlobalFlags defines flags available to all commands.
type GlobalFlags struct {
	Config   string
	CoreURL  string
	Token    string
	LogLevel string
	Output   string
	Wide     bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Config:   c.String("config"),
		CoreURL:  c.String("core-url"),
		Token:    c.String("token"),
		LogLevel: c.String("log-level"),
		Output:   c.String("output"),
		Wide:     c.Bool("wide"),
	}
}

// readConfig loads defaults, the config file and the environment, then
// applies flag overrides. The result is not verified.
func readConfig(flags *GlobalFlags) (*config.NodeConfig, error) {
	cfg := config.Default()
	opts := []confloader.Option{confloader.WithOverrides(flagOverrides(flags))}
	if flags.Config != "" {
		opts = append(opts, confloader.WithConfigFile(flags.Config))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagOverrides maps the global flags that were set to configuration keys.
func flagOverrides(flags *GlobalFlags) map[string]any {
	out := make(map[string]any)
	if flags.CoreURL != "" {
		out["core.url"] = flags.CoreURL
	}
	if flags.Token != "" {
		out["core.token"] = flags.Token
	}
	if flags.LogLevel != "" {
		out["log.level"] = flags.LogLevel
	}
	return out
}

// loadConfig reads and verifies the configuration. One-shot commands log
// at warn unless a level was given on the command line.
func loadConfig(c *cli.Context, oneShot bool) (*config.NodeConfig, error) {
	flags := ParseGlobalFlags(c)
	cfg, err := readConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if oneShot && flags.LogLevel == "" {
		cfg.Log.Level = "warn"
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the process logger on the app's error writer and makes
// it the default.
func initLogger(c *cli.Context, cfg *config.NodeConfig) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: c.App.ErrWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}

func nodeOptions(c *cli.Context) node.Options {
	opts, _ := c.App.Metadata[metaNodeOptions].(node.Options)
	return opts
}

func formatter(c *cli.Context) (output.Formatter, error) {
	flags := ParseGlobalFlags(c)
	f, err := output.ParseFormat(flags.Output)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(f, flags.Wide), nil
}

// withNode starts a node without the configured mounts, runs fn and stops
// the node again.
func withNode(ctx context.Context, c *cli.Context, fn func(ctx context.Context, cfg *config.NodeConfig, n *node.Node) error) error {
	cfg, err := loadConfig(c, true)
	if err != nil {
		return err
	}
	log, err := initLogger(c, cfg)
	if err != nil {
		return err
	}
	cfg.Mounts = nil

	opts := nodeOptions(c)
	opts.Logger = log.Slog()
	n, err := node.New(cfg, opts)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Core.URL, err)
	}
	defer func() {
		if err := n.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Warn("node stop failed", "error", err)
		}
	}()
	return fn(ctx, cfg, n)
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
