package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"conductor/internal/kernel"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		projectDir  = flag.String("projectdir", ".", "Project directory")
		agentID     = flag.String("agent", "", "Run as an agent process: coordinator|executor|tester|documenter|structurer")
		serverURL   = flag.String("server", "", "Orchestrator URL for agent mode (default: server_url from config)")
		initMode    = flag.Bool("init", false, "Interactive project setup: target, provider, API key")
		target      = flag.String("target", "", "Set the build target before starting")
		tee         = flag.Bool("tee", false, "Output logs to both console and file (default: file only)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	// .env sits next to config.json; load it before anything reads the
	// environment (config ${VAR} substitution, provider API keys).
	if err := godotenv.Load(filepath.Join(*projectDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if *initMode {
		os.Exit(runInit(*projectDir))
	}

	// Agent processes log to stderr only; the supervisor folds that into
	// the orchestrator's log stream line by line.
	if *agentID != "" {
		os.Exit(runAgent(*projectDir, *agentID, *serverURL))
	}

	// Initialize the log file before any logging occurs so startup
	// lines land in it, config loading included.
	if err := logx.InitializeLogFile(filepath.Join(*projectDir, "logs"), *tee); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		os.Exit(1)
	}

	exitCode := runService(*projectDir, *target, *tee)

	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
	}
	os.Exit(exitCode)
}

// runService runs the orchestrator: kernel, agent supervisor, web
// surface. It returns an exit code so defers in main still execute
// before os.Exit.
func runService(projectDir, target string, tee bool) int {
	logger := logx.NewLogger("main")

	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get config: %v\n", err)
		return 1
	}

	// An operator-configured logs dir replaces the default file opened
	// in main; lines logged up to here stay in the default one.
	if dir := resolveDir(projectDir, cfg.Paths.LogsDir); dir != filepath.Join(projectDir, "logs") {
		if err := logx.InitializeLogFile(dir, tee); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
			return 1
		}
	}

	if target != "" {
		if err := config.UpdateConfigItem("target", target); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to set target: %v\n", err)
			return 1
		}
		logger.Info("Target set from command line: %s", target)
	}

	if err := unlockSecrets(projectDir, true); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create kernel: %v\n", err)
		return 1
	}
	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start kernel: %v\n", err)
		return 1
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("Error stopping kernel: %v", stopErr)
		}
	}()

	if err := k.StartWeb(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start web server: %v\n", err)
		return 1
	}

	fmt.Printf("🚀 Conductor is up on http://%s:%d — start agents from the UI or POST /start_all\n",
		cfg.WebUI.Host, cfg.WebUI.Port)
	logger.Info("Orchestrator running (project dir %s)", k.ProjectDir())

	<-ctx.Done()
	logger.Info("Shutting down on signal")
	return 0
}

// unlockSecrets decrypts <projectDir>/secrets.json.enc into the
// in-memory store. The passphrase comes from CONDUCTOR_PASSWORD, or
// from a terminal prompt when interactive. Agent processes run
// non-interactive: with no passphrase in the environment they fall back
// to plain environment variables for provider keys.
func unlockSecrets(projectDir string, interactive bool) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	password := os.Getenv("CONDUCTOR_PASSWORD")
	if password == "" {
		if !interactive {
			return nil
		}
		fmt.Print("🔐 Enter the project password to unlock secrets: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// resolveDir anchors a possibly-relative configured path at the
// project directory.
func resolveDir(projectDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(projectDir, dir)
}
