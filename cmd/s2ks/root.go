package main

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/soulwing/s2ks/internal/config"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/storage"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	provider   string
	properties keyValueFlag
	verbose    bool
	debug      bool
	logger     *logrus.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{properties: keyValueFlag{}}

	root := &cobra.Command{
		Use:   "s2ks",
		Short: "Store and retrieve wrapped keys",
		Long: `s2ks stores keys wrapped under a provider's wrapper keys, together with
metadata signed by the key it describes.

Examples:
  # Store a 256-bit AES key in a local directory
  s2ks put app/k1 --provider LOCAL \
    --property storageDirectory=/var/lib/s2ks --property passwordFile=/etc/s2ks/pw \
    --key-file k1.bin --meta owner=svc-a

  # Read it back as JSON
  s2ks get app/k1 --provider LOCAL \
    --property storageDirectory=/var/lib/s2ks --property passwordFile=/etc/s2ks/pw

  # Use the storage section of a server configuration file
  s2ks get app/k1 --config /etc/s2ks/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger = newLogger(cmd, opts.verbose, opts.debug)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file whose storage section selects the provider")
	flags.StringVarP(&opts.provider, "provider", "p", "", "provider name (overrides the configuration)")
	flags.VarP(&opts.properties, "property", "P", "provider property as name=value (repeatable)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug output")

	root.AddCommand(
		newPutCmd(opts),
		newGetCmd(opts),
		newKeyPairCmd(opts),
		newProvidersCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newLogger(cmd *cobra.Command, verbose, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	switch {
	case debug:
		logger.SetLevel(logrus.DebugLevel)
	case verbose:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// resolveProvider merges the configuration file, environment and flags
// into a provider name and properties. Flags win.
func (o *globalOptions) resolveProvider(flags *pflag.FlagSet) (string, provider.Properties, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return "", nil, err
	}
	name := cfg.Storage.Provider
	if flags.Changed("provider") {
		name = o.provider
	}
	props := provider.Properties(cfg.Storage.Properties())
	maps.Copy(props, o.properties)
	return name, props, nil
}

// openStorage creates key storage for the resolved provider.
func (o *globalOptions) openStorage(ctx context.Context, cmd *cobra.Command) (storage.MutableKeyStorage, error) {
	name, props, err := o.resolveProvider(cmd.Flags())
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"provider":   name,
		"properties": strings.Join(propertyNames(props), ","),
	}).Debug("Opening key storage")
	return provider.New(ctx, name, props, o.logger)
}

func propertyNames(props provider.Properties) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// keyValueFlag collects repeated name=value flags.
type keyValueFlag map[string]string

func (f keyValueFlag) String() string {
	pairs := make([]string, 0, len(f))
	for _, name := range propertyNames(provider.Properties(f)) {
		pairs = append(pairs, name+"="+f[name])
	}
	return strings.Join(pairs, ",")
}

func (f keyValueFlag) Set(value string) error {
	name, v, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", value)
	}
	f[name] = v
	return nil
}

func (f keyValueFlag) Type() string {
	return "name=value"
}

var _ pflag.Value = keyValueFlag{}
