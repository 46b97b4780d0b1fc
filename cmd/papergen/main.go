package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/handler"
	appI18n "github.com/pavelanni/cbsepaper/internal/i18n"
	"github.com/pavelanni/cbsepaper/internal/model"
	"github.com/pavelanni/cbsepaper/internal/store"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "papergen",
		Short: "CBSE exam paper generator",
	}

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), importCmd(), exportCmd(), blueprintsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `papergen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP paper generation API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Question JSON files to import at startup (repeatable)")
	f.String("api-token", "", "Bearer token required for POST endpoints (empty disables)")
	f.Duration("generate-timeout", 5*time.Minute, "Upper bound for one paper generation")
	f.Int64("max-upload-bytes", 10<<20, "Largest accepted question upload")
	addEngineFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one paper and print it as JSON",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.String("subject", "", "Subject name (required)")
	f.String("grade", "12", "Grade")
	f.Int("total-marks", 36, "Total marks of the paper")
	f.String("language", "en", "Paper language (en, hi, both)")
	f.String("year", "", "Academic year printed on the paper")
	f.String("blueprint", "", "Use this catalog blueprint instead of resolving one")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addEngineFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Embed and store extracted questions from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export generated papers with their source questions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "papergen.db", "SQLite database path")
	f.String("subject", "", "Only export papers for this subject")
	f.String("grade", "", "Only export papers for this grade")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func blueprintsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blueprints",
		Short: "Print the blueprint catalog as YAML",
		RunE:  runBlueprints,
	}
	cmd.Flags().String("blueprints", "", "YAML file with additional blueprints")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PAPERGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papergen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papergen")
	v.AddConfigPath("/etc/papergen")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, v, true)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range v.GetStringSlice("questions") {
		if _, err := a.importer.ImportFile(ctx, path); err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
	}

	h := handler.New(a.engine, a.store, a.importer, handler.Config{
		APIToken:        v.GetString("api-token"),
		GenerateTimeout: v.GetDuration("generate-timeout"),
		MaxUploadBytes:  v.GetInt64("max-upload-bytes"),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(v.GetString("lang")))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"embed_model", v.GetString("embed-model"),
		"llm_url", v.GetString("llm-url"),
		"index", v.GetString("index"),
		"lang", v.GetString("lang"),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, v, false)
	if err != nil {
		return err
	}
	defer a.Close()

	req := model.PaperRequest{
		Subject:    v.GetString("subject"),
		Grade:      v.GetString("grade"),
		TotalMarks: v.GetInt("total-marks"),
		Language:   model.Language(v.GetString("language")),
		Year:       v.GetString("year"),
	}
	if name := v.GetString("blueprint"); name != "" {
		bp, ok := a.catalog.Get(name)
		if !ok {
			return fmt.Errorf("unknown blueprint %q", name)
		}
		req.Blueprint = &bp
	}

	paper, err := a.engine.GeneratePaper(ctx, req)
	if err != nil {
		return fmt.Errorf("generate paper (%s): %w", model.KindOf(err), err)
	}

	data, err := json.MarshalIndent(paper, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return writeOutput(v.GetString("output"), data)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	client, err := newLLMClient(v)
	if err != nil {
		return err
	}
	embedder, closeCache := newEmbedder(ctx, v, client)
	defer closeCache()

	im := newImporter(db, embedder, client.EmbeddingModel())
	total := 0
	for _, path := range args {
		res, err := im.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		total += res.Imported
	}
	count, err := db.QuestionCount()
	if err != nil {
		return fmt.Errorf("count questions: %w", err)
	}
	slog.Info("import finished", "imported", total, "corpus_size", count)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	subject, grade := v.GetString("subject"), v.GetString("grade")
	records, err := db.ExportPapers(subject, grade)
	if err != nil {
		return fmt.Errorf("export papers: %w", err)
	}

	export := model.PaperExport{
		ExportedAt: time.Now().UTC(),
		Subject:    subject,
		Grade:      grade,
		NumPapers:  len(records),
		Papers:     records,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return writeOutput(v.GetString("output"), data)
}

func runBlueprints(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	catalog := blueprint.NewCatalog()
	if path := v.GetString("blueprints"); path != "" {
		if err := catalog.LoadFile(path); err != nil {
			return err
		}
	}
	out := struct {
		Blueprints []model.Blueprint `yaml:"blueprints"`
	}{catalog.List()}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode blueprints: %w", err)
	}
	return enc.Close()
}

func writeOutput(outPath string, data []byte) error {
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
