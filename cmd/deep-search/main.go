package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-search/pkg/app"
	"github.com/mikeboe/deep-search/pkg/config"
	"github.com/mikeboe/deep-search/pkg/database"
	"github.com/mikeboe/deep-search/pkg/logging"
	"github.com/mikeboe/deep-search/pkg/research"
)

type options struct {
	topic        string
	collection   string
	settingsFile string
	output       string

	depth       int
	timeout     int
	maxResults  int
	language    string
	web         bool
	news        bool
	discussions bool
	academic    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "deep-search",
		Short:        "Depth-bounded web research from the terminal",
		Long:         `deep-search researches a topic by searching the web, distilling learnings from the pages it reads and following up on knowledge gaps until the depth or time budget runs out.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.topic, "topic", "t", "", "The research topic")
	f.StringVarP(&opts.collection, "collection", "c", "", "Vector collection for learnings (default COLLECTION_NAME)")
	f.StringVar(&opts.settingsFile, "settings", "", "YAML file with research settings")
	f.StringVarP(&opts.output, "output", "o", ".", "Directory for the report and sources.json")
	f.IntVar(&opts.depth, "depth", 0, "Maximum research depth")
	f.IntVar(&opts.timeout, "timeout", 0, "Session time budget in seconds")
	f.IntVar(&opts.maxResults, "max-results", 0, "Search results per query")
	f.StringVar(&opts.language, "language", "", "Search language")
	f.BoolVar(&opts.web, "web", true, "Include web results")
	f.BoolVar(&opts.news, "news", true, "Include news results")
	f.BoolVar(&opts.discussions, "discussions", true, "Include discussion results")
	f.BoolVar(&opts.academic, "academic", false, "Include academic papers (arXiv)")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg := config.Load()
	logger, closer := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closer.Close()
	slog.SetDefault(logger)

	if opts.settingsFile == "" {
		opts.settingsFile = cfg.SettingsFile
	}
	settings, err := resolveSettings(cmd, opts)
	if err != nil {
		return err
	}

	if !cmd.Flags().Changed("topic") {
		opts.topic, err = promptTopic(cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(opts.topic) == "" {
		return fmt.Errorf("%w: topic cannot be empty", research.ErrInvalidSettings)
	}
	if opts.collection == "" {
		opts.collection = cfg.CollectionName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize models: %w", err)
	}
	defer stack.Close()

	engine := stack.Engine(logger)

	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("Database unavailable, learnings will not be indexed", "error", err)
		} else {
			defer db.Close()
			idx, err := app.NewIndex(ctx, cfg, db, opts.collection, logger)
			if err != nil {
				logger.Warn("Learning index unavailable", "error", err)
			} else {
				engine.Sink = idx
			}
		}
	}

	logger.Info("Starting research", "topic", opts.topic, "max_depth", settings.MaxDepth, "collection", opts.collection)

	job, err := engine.Run(ctx, opts.topic, settings)
	if job == nil {
		return err
	}
	if err != nil {
		logger.Error("Research interrupted", "error", err)
	}

	printResults(cmd.OutOrStdout(), job)

	path, werr := research.WriteFiles(opts.output, job)
	if werr != nil {
		return fmt.Errorf("failed to write report: %w", werr)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nReport written to %s\n", path)
	return err
}

// applyFlags overrides settings with the flags given on the command line.
// resolveSettings layers the command-line flags over env and file settings
// and validates only the final result.
func resolveSettings(cmd *cobra.Command, opts *options) (research.Settings, error) {
	settings, err := config.LoadSettings(opts.settingsFile)
	if err != nil {
		return settings, err
	}
	applyFlags(cmd, opts, &settings)
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func applyFlags(cmd *cobra.Command, opts *options, s *research.Settings) {
	f := cmd.Flags()
	if f.Changed("depth") {
		s.MaxDepth = opts.depth
	}
	if f.Changed("timeout") {
		s.SearchTimeout = opts.timeout
	}
	if f.Changed("max-results") {
		s.MaxResults = opts.maxResults
	}
	if f.Changed("language") {
		s.Language = opts.language
	}
	if f.Changed("web") {
		s.IncludeWebContent = opts.web
	}
	if f.Changed("news") {
		s.IncludeNews = opts.news
	}
	if f.Changed("discussions") {
		s.IncludeDiscussions = opts.discussions
	}
	if f.Changed("academic") {
		s.IncludeAcademic = opts.academic
	}
}

func promptTopic(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter research topic: ")
	input, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func printResults(w io.Writer, job *research.Job) {
	res := job.Results()

	fmt.Fprintf(w, "\n%s\n", res.MainReport)

	if len(res.KeyLearnings) > 0 {
		fmt.Fprintln(w, "\nKey learnings:")
		for _, l := range res.KeyLearnings {
			fmt.Fprintf(w, "  - %s\n", l.Text)
		}
	}
	if len(res.AreasToExplore) > 0 {
		fmt.Fprintln(w, "\nAreas for further exploration:")
		for _, a := range res.AreasToExplore {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
	fmt.Fprintf(w, "\nFinished: %s after %d of %d depth(s), %d sources.\n",
		res.Termination, res.DepthReached, job.Settings.MaxDepth, len(res.VisitedSources))
}
