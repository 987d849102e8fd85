package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/quiz-relay/internal/answer"
	"github.com/zombor/quiz-relay/internal/capture"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
	"github.com/zombor/quiz-relay/internal/pipeline"
	"github.com/zombor/quiz-relay/internal/server"
	"github.com/zombor/quiz-relay/internal/store"
	"github.com/zombor/quiz-relay/internal/trigger"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const envPrefix = "QUIZ_RELAY"

type completerConfig struct {
	kind        string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
}

// buildCompleter creates the language model client. The key falls back to the environment
// so a SIGHUP picks up a rotated credential.
func buildCompleter(cfg completerConfig) (answer.Completer, error) {
	switch cfg.kind {
	case "gemini":
		apiKey := os.Getenv(envPrefix + "_GEMINI_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			apiKey = cfg.geminiKey
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini answerer...", "model", cfg.geminiModel)
		return answer.NewGemini(apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama answerer...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return answer.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid answerer type %q: want gemini or ollama", cfg.kind)
	}
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("quiz-relay")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		dbPath         = fs.StringLong("db", "quiz-relay.db", "Database file path")
		captureSource  = fs.StringLong("capture", "screen", "Capture source: 'screen' or 'file'")
		captureFile    = fs.StringLong("capture-file", "", "Image or PDF re-read on every capture when --capture=file")
		region         = fs.StringLong("region", "", "Default capture region as x,y,width,height (empty for full screen)")
		ocrLang        = fs.StringLong("ocr-lang", "eng", "Tesseract languages, e.g. eng or eng+deu")
		tessdata       = fs.StringLong("tessdata-prefix", "", "Tesseract tessdata directory (optional)")
		answererType   = fs.StringLong("answerer", "gemini", "Answerer type: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", answer.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		maxTokens      = fs.IntLong("max-tokens", answer.DefaultMaxTokens, "Maximum tokens in an answer")
		answerTimeout  = fs.DurationLong("answer-timeout", answer.DefaultTimeout, "Timeout for each answer attempt")
		captureTimeout = fs.DurationLong("capture-timeout", pipeline.DefaultCaptureTimeout, "Screen capture timeout")
		ocrTimeout     = fs.DurationLong("ocr-timeout", pipeline.DefaultExtractTimeout, "OCR timeout")
		reviewTimeout  = fs.DurationLong("review-timeout", 0, "Answer a paused manual run after this long (0 waits)")
		smtpHost       = fs.StringLong("smtp-host", "", "SMTP server host (email delivery disabled if empty)")
		smtpPort       = fs.IntLong("smtp-port", 465, "SMTP server port")
		smtpUser       = fs.StringLong("smtp-user", "", "SMTP username")
		smtpPass       = fs.StringLong("smtp-pass", "", "SMTP password")
		smtpFrom       = fs.StringLong("smtp-from", "", "Sender address (defaults to --smtp-user)")
		smtpStartTLS   = fs.BoolLong("smtp-starttls", "Use STARTTLS instead of implicit TLS")
		telegramToken  = fs.StringLong("telegram-token", "", "Telegram bot token (Telegram delivery disabled if empty)")
		hotkeySource   = fs.StringLong("hotkey-source", "hook", "Hotkey source: 'hook' or 'none'")
		holdDuration   = fs.DurationLong("hold", trigger.DefaultHoldDuration, "Initial hold duration when none is saved")
		pollInterval   = fs.DurationLong("poll-interval", trigger.DefaultPollInterval, "Hotkey poll interval")
		hotkeyQuiet    = fs.BoolLong("no-hotkey-deliver", "Keep hotkey answers local instead of sending them to recipients")
		logFormat      = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix(envPrefix),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	defaultRegion, err := capture.ParseRegion(*region)
	if err != nil {
		slog.Error("Invalid region", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := store.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	triggerConfig, err := db.LoadTriggerConfig()
	if errors.Is(err, store.ErrNotFound) {
		triggerConfig = trigger.Config{Enabled: true, HoldDuration: *holdDuration}
	} else if err != nil {
		slog.Error("Failed to load trigger config", "error", err)
		os.Exit(1)
	}
	if err := triggerConfig.Validate(); err != nil {
		slog.Error("Invalid trigger config", "error", err)
		os.Exit(1)
	}
	settings := trigger.NewSettings(triggerConfig, db)

	// Initialize capturer
	var capturer capture.Capturer
	switch *captureSource {
	case "screen":
		slog.Info("Initializing screen capture...")
		capturer = capture.NewScreenCapturer()
	case "file":
		slog.Info("Initializing file capture...", "path", *captureFile)
		capturer, err = capture.NewFileCapturer(*captureFile)
		if err != nil {
			slog.Error("Failed to initialize file capture", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid capture source", "source", *captureSource, "valid", "screen or file")
		os.Exit(1)
	}

	// OCR is optional at startup; runs fail with ocr_unavailable until it works.
	var recognizer extract.Recognizer
	tesseract, err := extract.NewTesseract(extract.TesseractConfig{Languages: extract.ParseLanguages(*ocrLang), TessdataPrefix: *tessdata})
	if err != nil {
		slog.Warn("OCR unavailable", "error", err, "hint", extract.Remediation(err))
	} else {
		recognizer = tesseract
		defer tesseract.Close()
	}
	extractor := extract.NewExtractor(recognizer)

	// Initialize answerer
	completerCfg := completerConfig{
		kind:        *answererType,
		geminiKey:   *geminiKey,
		geminiModel: *geminiModel,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
	}
	completer, err := buildCompleter(completerCfg)
	if err != nil {
		slog.Error("Failed to initialize answerer", "error", err)
		os.Exit(1)
	}
	answerer := answer.NewAnswerer(completer)
	defer answerer.Close()

	// Initialize delivery transports
	transports := map[deliver.Channel]deliver.Transport{}
	if *smtpHost != "" {
		smtp, err := deliver.NewSMTP(deliver.SMTPConfig{
			Host:     *smtpHost,
			Port:     *smtpPort,
			Username: *smtpUser,
			Password: *smtpPass,
			From:     *smtpFrom,
			StartTLS: *smtpStartTLS,
		})
		if err != nil {
			slog.Error("Failed to initialize SMTP", "error", err)
			os.Exit(1)
		}
		slog.Info("Email delivery enabled", "host", *smtpHost, "port", *smtpPort, "user", *smtpUser)
		transports[deliver.ChannelEmail] = smtp
	}
	if *telegramToken != "" {
		telegram, err := deliver.NewTelegram(*telegramToken, pipeline.DefaultDeliverTimeout)
		if err != nil {
			slog.Error("Failed to initialize Telegram", "error", err)
			os.Exit(1)
		}
		slog.Info("Telegram delivery enabled")
		transports[deliver.ChannelTelegram] = telegram
	}
	deliverer := deliver.NewDeliverer(transports, 4)

	// Initialize orchestrator
	bus := pipeline.NewBus()
	bus.Subscribe(pipeline.LoggingObserver{})
	orchestrator := pipeline.NewOrchestrator(capturer, extractor, answerer, deliverer, db, bus, pipeline.Config{
		MaxTokens:      *maxTokens,
		AnswerTimeout:  *answerTimeout,
		CaptureTimeout: *captureTimeout,
		ExtractTimeout: *ocrTimeout,
		ReviewTimeout:  *reviewTimeout,
		Region:         defaultRegion,
		HotkeyDeliver:  !*hotkeyQuiet,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start hotkey monitor
	switch *hotkeySource {
	case "hook":
		monitor := trigger.NewMonitor(trigger.NewHookSource(), settings, *pollInterval)
		monitor.OnWarning(orchestrator.WarnTrigger)
		go func() {
			if err := monitor.Run(ctx); err != nil {
				slog.Error("Hotkey monitor stopped", "error", err)
			}
		}()
		go orchestrator.Listen(ctx, monitor.Fired())
	case "none":
		slog.Info("Hotkeys disabled by flag")
	default:
		slog.Error("Invalid hotkey source", "source", *hotkeySource, "valid", "hook or none")
		os.Exit(1)
	}

	// Initialize server
	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(server.Deps{
		Orchestrator: orchestrator,
		Settings:     settings,
		Recipients:   db,
		Events:       bus,
	}, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for signals; SIGHUP reloads the answer credential.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		next, err := buildCompleter(completerCfg)
		if err != nil {
			slog.Error("Failed to reload answerer", "error", err)
			continue
		}
		answerer.Reconfigure(next)
		slog.Info("Answerer reloaded")
	}

	slog.Info("Shutting down...")
	cancel()
	orchestrator.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
}
