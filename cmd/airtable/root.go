package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/airtable-client/internal/config"
	"github.com/Sternrassler/airtable-client/pkg/client"
	"github.com/Sternrassler/airtable-client/pkg/credential"
	"github.com/Sternrassler/airtable-client/pkg/logging"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	configPath string
	token      string
	logLevel   string
	pretty     bool

	cfg    config.Config
	client *client.Client
	redis  *redis.Client
	logger zerolog.Logger
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "airtable",
		Short: "Query Airtable tables with automatic pagination",
		Long: `Reads every record of an Airtable table by following offset tokens,
pausing between pages to stay under the 5 requests per second ceiling.

The API token comes from --token or the AIRTABLE_KEY environment variable.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&a.token, "token", "", "Airtable API token (overrides the environment)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&a.pretty, "pretty", false, "human-readable log output")

	root.AddCommand(newQueryCmd(a), newRequestCmd(a), newServeCmd(a))
	return root, a
}

// execute runs the command tree and closes the Redis client afterwards.
// Cobra skips post-run hooks when a command returns an error.
func execute(root *cobra.Command, a *app) error {
	defer a.close()
	return root.Execute()
}

// setup loads configuration, configures logging and builds the client.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = a.pretty
	}

	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	logging.Setup(lc)
	a.logger = logging.NewLogger("cli")
	a.cfg = cfg

	cc := cfg.ClientConfig()
	opts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	if opts != nil {
		a.redis = redis.NewClient(opts)
		cc.Redis = a.redis
		a.logger.Debug().Str("addr", opts.Addr).Msg("Penalty tracking enabled")
	}

	c, err := client.New(cc)
	if err != nil {
		a.close()
		return err
	}
	a.client = c
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
}

// credential resolves --token, then the configured environment variable.
func (a *app) credential() (credential.Credential, error) {
	return a.client.ResolveCredential(a.token)
}

// parseParams turns repeated k=v pairs into ordered Params. A key given more
// than once becomes a list, which encodes as repeated query keys.
func parseParams(pairs []string) (*query.Params, error) {
	p := query.New()
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		addParam(p, k, v)
	}
	return p, nil
}

func addParam(p *query.Params, key, value string) {
	prev, ok := p.Get(key)
	if !ok {
		p.Set(key, value)
		return
	}
	switch x := prev.(type) {
	case string:
		p.Set(key, []string{x, value})
	case []string:
		p.Set(key, append(x, value))
	default:
		p.Set(key, value)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
