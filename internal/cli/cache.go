package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"offcache/internal/config"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show asset cache usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flagConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		usage, err := a.assets.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading cache stats: %w", err)
		}
		data, err := json.MarshalIndent(usage, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached model",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flagConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.assets.ClearCache(cmd.Context()); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
		return nil
	},
}

var flagAssetType string

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <url>...",
	Short: "Download models into the asset cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flagConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		var failed int
		for _, raw := range args {
			u, err := resolveAsset(a.cfg, raw)
			if err != nil {
				return err
			}
			payload, err := a.assets.GetModel(cmd.Context(), u, flagAssetType, nil)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", u, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u, config.FormatBytes(uint64(len(payload))))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d models failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	prefetchCmd.Flags().StringVar(&flagAssetType, "type", "makeup", "asset type recorded with each model")
}

// resolveAsset makes raw absolute, treating relative paths as origin paths.
func resolveAsset(cfg config.Config, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return cfg.OriginURL.ResolveReference(u).String(), nil
}
