package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/cache"
)

var cacheConfigPath string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the artifact cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached plans, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openCache(cmd)
		if err != nil {
			return err
		}
		entries, err := c.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("cache is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPOSITORY\tFINGERPRINT\tOPS\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				e.RepoIdentity, e.Fingerprint[:12], len(e.Operations), e.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove every cached plan",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openCache(cmd)
		if err != nil {
			return err
		}
		if err := c.Prune(); err != nil {
			return err
		}
		fmt.Println("cache pruned")
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheConfigPath, "config", "", "path to config file")
	cacheCmd.AddCommand(cacheListCmd, cachePruneCmd)
}

func openCache(cmd *cobra.Command) (*cache.Cache, error) {
	cfg, err := loadConfig(cmd, cacheConfigPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	return cache.New(ws.CacheDir(), logger), nil
}
