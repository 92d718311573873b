package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/packsyncd/internal/activation"
	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/ledger"
)

// DefaultDebounce is how long pushes are coalesced before a run starts
const DefaultDebounce = 2 * time.Second

// Runner performs one reconciliation run
type Runner interface {
	Run(ctx context.Context) (*ledger.Ledger, error)
}

// Hook is notified after every completed run
type Hook interface {
	AfterRun(ctx context.Context, led *ledger.Ledger) error
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers reconciliation runs from GitHub webhooks and a
// periodic interval
type Server struct {
	cfg    *config.Config
	runner Runner
	hook   Hook
	logger *slog.Logger
	secret []byte
	repo   string // expected owner/repo, empty accepts any

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool
	syncPending bool
	debounce    *debouncer

	// baseCtx is canceled when Start returns
	baseCtx context.Context
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server. hook may be nil.
func NewServer(cfg *config.Config, runner Runner, hook Hook, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	s := &Server{
		cfg:      cfg,
		runner:   runner,
		hook:     hook,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: DefaultDebounce},
		baseCtx:  context.Background(),
	}
	if cfg.Source.Kind == config.SourceGitHub {
		s.repo = cfg.Source.GitHub.Owner + "/" + cfg.Source.GitHub.Repo
	}
	return s, nil
}

// Handler returns the HTTP handler serving webhooks
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start performs an initial run, then serves webhooks on the activated
// socket or serve.listen_addr until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	ln, err := activation.Listen(s.cfg.Serve.ListenAddr, s.logger)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.cfg.Serve.Interval > 0 {
		go s.resyncLoop(ctx, s.cfg.Serve.Interval)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// resyncLoop triggers a run every interval so that changes are picked up
// even when webhooks are missed
func (s *Server) resyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("periodic resync")
			s.performSync(ctx)
		}
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if eventType == "ping" {
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if s.repo != "" && !strings.EqualFold(event.Repository.FullName, s.repo) {
		s.logger.Info("ignoring event for other repository", "repo", event.Repository.FullName)
		_, _ = fmt.Fprintf(w, "Repository not configured for sync\n")
		return
	}

	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performSync(s.baseCtx)
	})

	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether value is in list; an empty list allows anything
func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}

// performSync executes a run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.runOnce(ctx)

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	led, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		return
	}
	if led.AnyChange() {
		s.logger.Info("sync changed files", "changes", len(led.Changes()))
	}

	if s.hook != nil {
		if err := s.hook.AfterRun(ctx, led); err != nil {
			s.logger.Warn("post-sync hook had issues", "error", err)
		}
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
