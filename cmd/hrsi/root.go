package main

import (
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logPretty  bool

	// logger receives the terminal error of the command.
	logger zerolog.Logger
}

// searchOptions select the products to list.
type searchOptions struct {
	queryURL      string
	filter        query.SearchFilter
	cloudCoverage int
	maxPages      int
}

// downloadOptions control the download phase.
type downloadOptions struct {
	credentials  string
	resultFile   string
	maxRetries   int
	skipExisting bool
}

func newRootCmd(opts *rootOptions) *cobra.Command {

	root := &cobra.Command{
		Use:   "hrsi",
		Short: "HR-S&I catalogue client",
		Long: `Search the Copernicus High Resolution Snow & Ice catalogue, list the
matching products in a result file and download their archives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.logger.Info().Msg("End.")
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable log output instead of JSON")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(newQueryCmd(opts))
	root.AddCommand(newQueryAndDownloadCmd(opts))
	root.AddCommand(newDownloadCmd(opts))
	return root
}

func newQueryCmd(root *rootOptions) *cobra.Command {
	search := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "query <output_dir>",
		Short: "Search the catalogue and write the result file",
		Args:  outputDirArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.close()

			q, err := search.descriptor(cmd, app.cfg.Catalogue.SearchURL)
			if err != nil {
				return err
			}
			app.applySearchFlags(cmd, search)

			if err := app.prepare(cmd.Context(), args[0]); err != nil {
				return err
			}
			if _, err := app.search(cmd.Context(), q); err != nil {
				return err
			}
			app.logger.Info().Msg("No products were downloaded.")
			return nil
		},
	}
	search.register(cmd)
	return cmd
}

func newQueryAndDownloadCmd(root *rootOptions) *cobra.Command {
	search := &searchOptions{}
	dl := &downloadOptions{}
	cmd := &cobra.Command{
		Use:   "query-and-download <output_dir>",
		Short: "Search the catalogue, write the result file and download every product",
		Args:  outputDirArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dl.credentials == "" {
				return usagef("--credentials is required")
			}
			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.close()

			q, err := search.descriptor(cmd, app.cfg.Catalogue.SearchURL)
			if err != nil {
				return err
			}
			app.applySearchFlags(cmd, search)
			if err := app.applyDownloadFlags(cmd, dl); err != nil {
				return err
			}

			cred, err := loadCredential(dl.credentials)
			if err != nil {
				return err
			}

			if err := app.prepare(cmd.Context(), args[0]); err != nil {
				return err
			}
			resultFile, err := app.search(cmd.Context(), q)
			if err != nil {
				return err
			}
			return app.download(cmd.Context(), cred, resultFile)
		},
	}
	search.register(cmd)
	dl.register(cmd, false)
	return cmd
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	dl := &downloadOptions{}
	cmd := &cobra.Command{
		Use:   "download <output_dir>",
		Short: "Download every product of an existing result file",
		Args:  outputDirArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dl.credentials == "" {
				return usagef("--credentials is required")
			}
			if dl.resultFile == "" {
				return usagef("--result-file is required")
			}

			app, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.close()
			if err := app.applyDownloadFlags(cmd, dl); err != nil {
				return err
			}

			cred, err := loadCredential(dl.credentials)
			if err != nil {
				return err
			}

			if err := app.prepare(cmd.Context(), args[0]); err != nil {
				return err
			}
			return app.download(cmd.Context(), cred, dl.resultFile)
		},
	}
	dl.register(cmd, true)
	return cmd
}

func outputDirArg(cmd *cobra.Command, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return usagef("%s expects exactly one output directory", cmd.Name())
	}
	return nil
}

func (o *searchOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.queryURL, "query-url", "", "Pre-built catalogue query URL (excludes the filter flags)")
	f.StringVar(&o.filter.ProductIdentifier, "product-identifier", "", "Substring of the product identifier, e.g. T32TLR")
	f.StringVar(&o.filter.ProductType, "product-type", "", "FSC, RLIE, PSA, PSA-LAEA, ARLIE, WDS, SWS or GFSC")
	f.StringVar(&o.filter.Mission, "mission", "", "S1, S2 or S1-S2")
	f.StringVar(&o.filter.ObsDateMin, "obs-date-min", "", "Earliest observation date (YYYY-MM-DDThh:mm:ssZ)")
	f.StringVar(&o.filter.ObsDateMax, "obs-date-max", "", "Latest observation date (YYYY-MM-DDThh:mm:ssZ)")
	f.StringVar(&o.filter.PublicationDateMin, "publication-date-min", "", "Earliest publication date (YYYY-MM-DDThh:mm:ssZ)")
	f.StringVar(&o.filter.PublicationDateMax, "publication-date-max", "", "Latest publication date (YYYY-MM-DDThh:mm:ssZ)")
	f.IntVar(&o.cloudCoverage, "cloud-coverage-max", 0, "Maximum cloud coverage in percent (0-100)")
	f.StringVar(&o.filter.TextualSearch, "textual-search", "", "Free-text search")
	f.StringVar(&o.filter.Geometry, "geometry", "", "WKT geometry in WGS84")
	f.IntVar(&o.maxPages, "max-pages", 0, "Stop after this many pages (0 = all)")
}

// descriptor resolves the search request from the flags. It never touches
// the network.
func (o *searchOptions) descriptor(cmd *cobra.Command, base string) (query.Descriptor, error) {
	filter := o.filter
	if cmd.Flags().Changed("cloud-coverage-max") {
		cc := o.cloudCoverage
		filter.CloudCoverageMax = &cc
	}
	if cmd.Flags().Changed("max-pages") && o.maxPages < 0 {
		return query.Descriptor{}, usagef("--max-pages cannot be negative")
	}

	if o.queryURL != "" {
		if !filter.IsEmpty() {
			return query.Descriptor{}, usagef("--query-url cannot be combined with filter flags")
		}
		return query.Parse(o.queryURL)
	}

	return query.Build(base, filter)
}

func (o *downloadOptions) register(cmd *cobra.Command, withResultFile bool) {
	f := cmd.Flags()
	f.StringVar(&o.credentials, "credentials", "", "File holding username:password")
	if withResultFile {
		f.StringVar(&o.resultFile, "result-file", "", "Result file to download (url;title per line)")
	}
	f.IntVar(&o.maxRetries, "max-retries", 0, "Retries per product after the first attempt")
	f.BoolVar(&o.skipExisting, "skip-existing", false, "Skip products already downloaded into the output directory")
}
