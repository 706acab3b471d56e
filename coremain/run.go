package coremain

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/getlockinnn/proven-sync/mlog"
)

type agentFlags struct {
	c   string
	dir string
}

var rootCmd = &cobra.Command{
	Use: "provensync",
}

func init() {
	af := new(agentFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the sync agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return StartAgent(af)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := startCmd.Flags()
	fs.StringVarP(&af.c, "config", "c", "", "config file")
	fs.StringVarP(&af.dir, "dir", "d", "", "working dir")
	rootCmd.AddCommand(startCmd)

	syncCmd := &cobra.Command{
		Use:   "sync [-c config_file]",
		Short: "Run one sync pass and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(af, func(c *Client) error {
				if err := c.Sync.TriggerSync(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("synced, %d item(s) still pending\n", c.Sync.PendingCount())
				return nil
			})
		},
		SilenceUsage: true,
	}
	syncCmd.Flags().StringVarP(&af.c, "config", "c", "", "config file")
	rootCmd.AddCommand(syncCmd)

	statusCmd := &cobra.Command{
		Use:   "status [-c config_file]",
		Short: "Print cache, queue and pending-proof status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(af, func(c *Client) error {
				ctx := cmd.Context()
				qs := c.Queue.Status(ctx)
				fmt.Printf("queue: %d pending, %d failed\n", qs.PendingCount, qs.FailedCount)
				if c.Proofs != nil {
					for _, p := range c.Proofs.GetAllPending(ctx) {
						fmt.Printf("proof %s: %s (%s)\n", p.UserChallengeID, p.Status, p.LocalImageURI)
					}
				}
				cs := c.Cache.Stats(ctx)
				fmt.Printf("cache: %d entries, %d/%d bytes\n", cs.EntryCount, cs.TotalSize, cs.Budget)
				return nil
			})
		},
		SilenceUsage: true,
	}
	statusCmd.Flags().StringVarP(&af.c, "config", "c", "", "config file")
	rootCmd.AddCommand(statusCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the mutation queue.",
	}
	queueClearCmd := &cobra.Command{
		Use:   "clear [-c config_file]",
		Short: "Drop every queued mutation, including failed ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(af, func(c *Client) error {
				s := c.Queue.Status(cmd.Context())
				if err := c.Queue.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("cleared %d pending and %d failed mutation(s)\n", s.PendingCount, s.FailedCount)
				return nil
			})
		},
		SilenceUsage: true,
	}
	queueClearCmd.Flags().StringVarP(&af.c, "config", "c", "", "config file")
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the agent config file.",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			b, err := yaml.Marshal(DefaultConfig())
			if err != nil {
				return fmt.Errorf("failed to marshal default config, %w", err)
			}
			if err := os.WriteFile(path, b, 0o644); err != nil {
				return fmt.Errorf("failed to write config, %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)
}

// AddSubCmd adds a sub command to the root command.
func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartAgent(af *agentFlags) error {
	if len(af.dir) > 0 {
		err := os.Chdir(af.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", af.dir))
	}

	cfg, v, err := loadConfig(af.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	c, err := NewClient(cfg, lg)
	if err != nil {
		return err
	}

	// The cache ttl table can be tuned on a running agent. Everything
	// else needs a restart.
	watchTTLTable(v, c)

	return ServeClient(c, cfg, lg)
}

// watchTTLTable re-decodes the config whenever the file changes and applies
// the new cache type table to the running client.
func watchTTLTable(v *viper.Viper, c *Client) {
	v.OnConfigChange(func(in fsnotify.Event) {
		cfg := new(Config)
		if err := decodeConfig(v, cfg); err != nil {
			mlog.L().Warn("ignoring invalid config change", zap.String("file", in.Name), zap.Error(err))
			return
		}
		mlog.L().Info("config changed, applying cache ttl table", zap.String("file", in.Name))
		c.Cache.SetTypes(cfg.Cache.Types)
	})
	v.WatchConfig()
}

// loadConfig loads a config from a file. If filePath is empty, it will
// automatically search and load a file which name matches "config.[ext]".
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := new(Config)
	if err := decodeConfig(v, cfg); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decodeConfig(v *viper.Viper, cfg *Config) error {
	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// withClient builds a short-lived client for one-shot commands.
func withClient(af *agentFlags, f func(c *Client) error) error {
	cfg, _, err := loadConfig(af.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	c, err := NewClient(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			lg.Warn("shutdown error", zap.Error(err))
		}
	}()
	return f(c)
}
