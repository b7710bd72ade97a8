package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/harness/internal/config"
	"github.com/holomush/harness/internal/registry"
	"github.com/holomush/harness/internal/xdg"
)

// PluginInfo describes one available plugin type.
type PluginInfo struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ABIVersion        string   `json:"abi_version"`
	Requires          []string `json:"requires,omitempty"`
	Conflicts         []string `json:"conflicts,omitempty"`
	SupportedOptions  []string `json:"supported_options,omitempty"`
	DeclaresReadiness bool     `json:"declares_readiness,omitempty"`
	Error             string   `json:"error,omitempty"`
}

type pluginsConfig struct {
	jsonOutput bool
	pluginDir  string
}

// NewPluginsCmd creates the plugins subcommand.
func NewPluginsCmd() *cobra.Command {
	cfg := &pluginsConfig{}

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List available plugin types",
		Long: `List every plugin type the harness can load: the built-in plugins
and the Lua plugins discovered in the plugin directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlugins(cmd, cfg, defaultRegistry)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output plugins as JSON")
	cmd.Flags().StringVar(&cfg.pluginDir, config.FlagPluginDir, "", "Lua plugin directory (default: from config or XDG_DATA_HOME/harness/plugins)")

	return cmd
}

type registryFactory func(ctx context.Context, pluginDir string, logger *slog.Logger) (registry.Registry, func(), error)

func runPlugins(cmd *cobra.Command, cfg *pluginsConfig, factory registryFactory) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dir, err := pluginDir(cmd, cfg.pluginDir)
	if err != nil {
		return err
	}

	// Discovery problems are reported per plugin, not as log noise.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	source, release, err := factory(ctx, dir, quiet)
	if err != nil {
		return oops.Wrapf(err, "failed to build plugin registry")
	}
	defer release()

	infos := listPlugins(ctx, source)
	if cfg.jsonOutput {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "failed to format JSON")
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Print(formatPluginsTable(infos))
	return nil
}

// pluginDir resolves the directory from the flag, the config file or XDG.
func pluginDir(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Harness.PluginDir != "" {
		return cfg.Harness.PluginDir, nil
	}
	return xdg.PluginDir()
}

func listPlugins(ctx context.Context, source registry.Registry) []PluginInfo {
	names := source.Names()
	infos := make([]PluginInfo, 0, len(names))
	for _, name := range names {
		info := PluginInfo{Name: name}
		desc, err := source.Lookup(ctx, name)
		if err != nil {
			info.Error = err.Error()
			infos = append(infos, info)
			continue
		}
		info.Version = desc.Version
		info.ABIVersion = desc.ABIVersion
		info.Requires = desc.Requires
		info.Conflicts = desc.Conflicts
		info.SupportedOptions = desc.SupportedOptions
		info.DeclaresReadiness = desc.DeclaresReadiness
		infos = append(infos, info)
	}
	return infos
}

func formatPluginsTable(infos []PluginInfo) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tABI\tREQUIRES\tCONFLICTS\tOPTIONS")
	for _, p := range infos {
		if p.Error != "" {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\terror: %s\n", p.Name, p.Error)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.Version, p.ABIVersion,
			joinOrDash(p.Requires), joinOrDash(p.Conflicts), joinOrDash(p.SupportedOptions))
	}

	_ = w.Flush()
	return b.String()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
