package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "filmcache",
		Short:         "Mirror a remote movie catalog into a local, queryable cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(syncCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(listCmd())
	root.AddCommand(likeCmd(true))
	root.AddCommand(likeCmd(false))
	root.AddCommand(detailsCmd())
	root.AddCommand(browseCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func syncCmd() *cobra.Command {
	var (
		pages int
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "sync [category...]",
		Short: "Fetch listing pages into the local cache",
		Long:  "Fetch listing pages into the local cache. Categories: popular, now_playing, top_rated, upcoming.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(args, pages, reset)
		},
	}

	cmd.Flags().IntVar(&pages, "pages", 0, "pages per category (default: from config)")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop unliked titles the category no longer lists on any synced page")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		page       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog and cache the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(args, page, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "result page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		liked      bool
		query      string
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show cached titles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(liked, query, jsonOutput, limit)
		},
	}

	cmd.Flags().BoolVar(&liked, "liked", false, "only liked titles")
	cmd.Flags().StringVarP(&query, "query", "q", "", "case-insensitive title filter")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "max titles to show (0: all)")
	return cmd
}

func likeCmd(liked bool) *cobra.Command {
	use, short := "like <id>...", "Mark titles as liked"
	if !liked {
		use, short = "unlike <id>...", "Clear the liked flag"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLike(args, liked)
		},
	}
}

func detailsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "details <id>",
		Short: "Fetch backdrops and trailers for a cached title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetails(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func browseCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Interactively page through a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(category)
		},
	}

	cmd.Flags().StringVar(&category, "category", "popular", "category to browse")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the cache database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
