package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/terminal"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func main() {
	var testID int64
	var apiURL string
	flag.Int64Var(&testID, "test", 0, "ID of the test to take")
	flag.StringVar(&apiURL, "api", "", "Quiz service base URL (defaults to QUIZ_API_URL)")
	flag.Parse()

	if testID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: take-exam -test <id> [-api <url>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	if apiURL == "" {
		apiURL = cfg.QuizAPIURL
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	// Logs go to a file so they never draw over the exam screen.
	logFile, err := os.OpenFile(cfg.ProctorLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open log file %s: %v\n", cfg.ProctorLogFile, err)
		os.Exit(1)
	}
	defer logFile.Close()
	log := logger.SetupWriter(logFile, cfg.LogLevel, "json")

	validator.Setup()

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		fmt.Fprintln(os.Stderr, "Error: take-exam must run in an interactive terminal")
		os.Exit(1)
	}

	// ─── Bearer Token ──────────────────────────────────────────────────
	token := strings.TrimSpace(os.Getenv("PROCTOR_TOKEN"))
	if token == "" {
		fmt.Print("Enter access token: ")
		raw, err := term.ReadPassword(stdin)
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading token")
			os.Exit(1)
		}
		token = strings.TrimSpace(string(raw))
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: an access token is required")
		os.Exit(1)
	}

	var studentID int64
	if claims, err := service.PeekClaims(token); err == nil {
		studentID = claims.UserID
	} else {
		log.Warn().Err(err).Msg("Token is not a readable JWT")
	}

	log.Info().
		Int64("test_id", testID).
		Int64("student_id", studentID).
		Str("quiz_api", apiURL).
		Msg("Starting terminal exam")

	if err := run(cfg, log, apiURL, token, testID, studentID); err != nil {
		if errors.Is(err, terminal.ErrLoggedOut) {
			fmt.Fprintln(os.Stderr, "Your session has expired. Please sign in again.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger, apiURL, token string, testID, studentID int64) error {
	stdin := int(os.Stdin.Fd())

	// Raw mode delivers Ctrl+C and friends as bytes instead of signals, so the
	// violation monitor sees them.
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(stdin, oldState)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	runner := terminal.NewRunner(os.Stdin, os.Stdout, log)
	client := remote.NewClient(remote.Options{
		BaseURL:        apiURL,
		Timeout:        cfg.RemoteTimeout,
		Token:          remote.StaticToken(token),
		OnUnauthorized: runner.Logout,
	}, log)

	sess := proctor.NewSession(client, proctor.Config{
		TestID:            testID,
		StudentID:         studentID,
		SubmitRetryDelay:  cfg.SubmitRetryDelay,
		PersistTimeout:    cfg.PersistTimeout,
		ViolationCoalesce: cfg.ViolationCoalesce,
		ForbiddenChords:   terminal.ForbiddenChords,
		Observer:          runner,
	}, log)

	start := time.Now()
	runErr := runner.Run(ctx, sess)
	sess.Close()

	snap := sess.Snapshot()
	log.Info().
		Str("state", string(snap.State)).
		Int("violations", snap.ViolationCount).
		Dur("elapsed", time.Since(start)).
		Msg("Terminal exam finished")
	return runErr
}
