package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/at-ishikawa/annotate/internal/annotator"
	"github.com/at-ishikawa/annotate/internal/config"
	"github.com/at-ishikawa/annotate/internal/inference"
	"github.com/at-ishikawa/annotate/internal/inference/ollama"
	"github.com/at-ishikawa/annotate/internal/inference/openai"
	"github.com/at-ishikawa/annotate/internal/table"
	"github.com/at-ishikawa/annotate/internal/vision"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errNoQuestions = errors.New("you must specify either --questions with a TSV file of questions, or --ad_hoc with a question and an optional image file")

type options struct {
	configFile    string
	questionsFile string
	itemsFile     string
	outputFile    string
	maxTokens     int
	dryRun        bool
	model         string
	adHoc         string
	adHocSet      bool
	logLevel      LogLevel
	backend       Backend
}

type modelClient interface {
	inference.Client
	GetModel() string
	Close() error
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := options{
		logLevel: LogLevelWarning,
	}

	rootCommand := &cobra.Command{
		Use:   "annotate [--questions <tsv> | --ad_hoc <question> [<image>]] [--items <tsv>]",
		Short: "Ask a vision-language model questions about items and images, and write the answers as TSV",
		Long: `annotate renders every question template against every item of the items table,
asks the model each distinct (question, image) pair once, and writes the item
fields followed by ANS_0..ANS_{n-1} columns.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(opts.logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// --ad_hoc "" still asks an empty question
			opts.adHocSet = cmd.Flags().Changed("ad_hoc")
			adHocImage := ""
			if len(args) == 1 {
				if !opts.adHocSet {
					return fmt.Errorf("the image argument %q can only be used with --ad_hoc", args[0])
				}
				adHocImage = args[0]
			}
			return runAnnotate(cmd.Context(), cmd, opts, adHocImage, stdout, stderr)
		},
	}

	flags := rootCommand.Flags()
	flags.StringVar(&opts.configFile, "config", "", "config file path")
	flags.StringVar(&opts.questionsFile, "questions", "", "TSV file with 'question_template' and 'image_file_template' columns (must have header row)")
	flags.StringVar(&opts.itemsFile, "items", "", "TSV file of items to ask questions about (must have header row)")
	flags.StringVar(&opts.outputFile, "output", "", "TSV output file for the original items plus the answers to the questions. Defaults to stdout")
	flags.IntVar(&opts.maxTokens, "max_tokens", 100, "Maximum tokens to generate in response")
	flags.BoolVar(&opts.dryRun, "dry_run", false, "Don't load or invoke the model, just log the prompts and image files that would be used")
	flags.StringVar(&opts.model, "model", "", "Model to use on the backend server. Overrides model.name in the config")
	flags.StringVar(&opts.adHoc, "ad_hoc", "", "Question to ask directly. The optional positional argument is its image file; without it no image is passed")
	flags.Var(&opts.logLevel, "log_level", fmt.Sprintf("Logging level. Possible values are %v", allLogLevels))
	flags.Var(&opts.backend, "backend", fmt.Sprintf("Inference backend. Overrides model.backend in the config. Possible values are %v", allBackends))

	return rootCommand
}

func runAnnotate(ctx context.Context, cmd *cobra.Command, opts options, adHocImage string, stdout, stderr io.Writer) error {
	if opts.questionsFile == "" && !opts.adHocSet {
		return errNoQuestions
	}
	if err := (config.Inputs{
		QuestionsFile: opts.questionsFile,
		ItemsFile:     opts.itemsFile,
		MaxTokens:     opts.maxTokens,
	}).Validate(); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("backend") {
		cfg.Model.Backend = opts.backend.String()
	}
	if opts.model != "" {
		cfg.Model.Name = opts.model
	}

	questions, err := readQuestions(opts, adHocImage)
	if err != nil {
		return err
	}

	itemColumns := []string{}
	items := []table.Item{{Fields: map[string]string{}}}
	if opts.itemsFile != "" {
		itemColumns, items, err = table.ReadItems(opts.itemsFile)
		if err != nil {
			return fmt.Errorf("table.ReadItems(%s) > %w", opts.itemsFile, err)
		}
	}

	var client inference.Client
	if !opts.dryRun {
		loaded, err := loadClient(ctx, cfg.Model)
		if err != nil {
			return err
		}
		defer closeLogged("model client", loaded)
		client = loaded
	}

	output := stdout
	if opts.outputFile != "" {
		file, err := os.Create(opts.outputFile)
		if err != nil {
			return fmt.Errorf("os.Create(%s) > %w", opts.outputFile, err)
		}
		defer closeLogged("output file "+opts.outputFile, file)
		output = file
	}

	a, err := annotator.New(client, questions, annotator.Options{
		MaxTokens: opts.maxTokens,
		DryRun:    opts.dryRun,
		Images: vision.Options{
			MaxDimension: cfg.Images.MaxDimension,
		},
	})
	if err != nil {
		return fmt.Errorf("annotator.New > %w", err)
	}

	result, err := a.Run(ctx, output, itemColumns, items)
	if result != nil {
		printSummary(stderr, result, opts.dryRun)
	}
	if err != nil {
		return fmt.Errorf("annotator.Run > %w", err)
	}
	return nil
}

func readQuestions(opts options, adHocImage string) ([]table.QuestionSpec, error) {
	if opts.questionsFile == "" {
		return []table.QuestionSpec{
			{QuestionTemplate: opts.adHoc, ImageFileTemplate: adHocImage},
		}, nil
	}
	if opts.adHocSet {
		slog.Default().Warn("--ad_hoc is ignored because --questions is given")
	}
	questions, err := table.ReadQuestions(opts.questionsFile)
	if err != nil {
		return nil, fmt.Errorf("table.ReadQuestions(%s) > %w", opts.questionsFile, err)
	}
	return questions, nil
}

func loadClient(ctx context.Context, cfg config.ModelConfig) (modelClient, error) {
	var client modelClient
	switch cfg.Backend {
	case config.BackendOpenAI:
		client = openai.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Name, cfg.MaxRetryAttempts, cfg.RequestTimeout)
	case config.BackendOllama:
		client = ollama.NewClient(cfg.BaseURL, cfg.Name, cfg.MaxRetryAttempts, cfg.RequestTimeout)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}

	slog.Default().Info("loading model", "backend", cfg.Backend, "model", cfg.Name, "base_url", cfg.BaseURL)
	if err := client.Load(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to load model %s from %s: %w", cfg.Name, cfg.BaseURL, err)
	}
	slog.Default().Info("model loaded", "backend", cfg.Backend, "model", client.GetModel())
	return client, nil
}

// closeLogged closes c and logs a failure.
func closeLogged(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("failed to close", "name", name, "error", err)
	}
}

func printSummary(w io.Writer, result *annotator.Result, dryRun bool) {
	label := color.New(color.FgGreen, color.Bold)
	if dryRun {
		label = color.New(color.FgYellow, color.Bold)
		_, _ = label.Fprint(w, "Dry run: ")
	} else {
		_, _ = label.Fprint(w, "Annotated: ")
	}
	_, _ = fmt.Fprintf(w, "%d items, %d prompts, %d model calls, %d cache hits\n",
		result.Items, result.Prompts, result.ModelCalls, result.CacheHits)
}
