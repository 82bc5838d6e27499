package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fluxcd/pkg/apis/meta"
	sourcev1 "github.com/fluxcd/source-controller/api/v1beta2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/jenkins-x/go-scm/scm"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// WebhookParser parses an incoming SCM webhook request.
type WebhookParser interface {
	Parse(req *http.Request, fn scm.SecretFunc) (scm.Webhook, error)
}

// Receiver accepts operator sync requests and SCM push notifications over
// HTTP and turns them into reconciliation triggers.
type Receiver struct {
	Client        client.Client
	Logger        logr.Logger
	Events        chan<- event.GenericEvent
	ListenAddr    string
	WebhookParser WebhookParser
	WebhookSecret string
}

// NewReceiver creates a Receiver listening on addr, delivering triggers to
// the events channel.
func NewReceiver(c client.Client, logger logr.Logger, events chan<- event.GenericEvent, addr string) *Receiver {
	return &Receiver{
		Client:     c,
		Logger:     logger,
		Events:     events,
		ListenAddr: addr,
	}
}

// Start implements manager.Runnable, serving until the context is cancelled.
func (s *Receiver) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.Logger.Info("starting trigger receiver", "addr", s.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}

// Routes builds the router for the receiver endpoints.
func (s *Receiver) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/applications/{namespace}/{name}/sync", s.handleSync)
		api.Post("/applications/{namespace}/{name}/refresh", s.handleRefresh)
	})
	r.Post("/hooks/scm", s.handleSCMHook)

	return r
}

// handleSync requests a reconciliation cycle for the named Application using
// the cached source bundle.
func (s *Receiver) handleSync(w http.ResponseWriter, req *http.Request) {
	s.annotate(w, req, map[string]string{
		meta.ReconcileRequestAnnotation: time.Now().Format(time.RFC3339Nano),
	})
}

// handleRefresh requests a reconciliation cycle that discards the cached
// bundle and re-fetches the source first.
func (s *Receiver) handleRefresh(w http.ResponseWriter, req *http.Request) {
	now := time.Now().Format(time.RFC3339Nano)
	s.annotate(w, req, map[string]string{
		meta.ReconcileRequestAnnotation: now,
		syncv1.RefreshAnnotation:        now,
	})
}

func (s *Receiver) annotate(w http.ResponseWriter, req *http.Request, annotations map[string]string) {
	key := types.NamespacedName{
		Namespace: chi.URLParam(req, "namespace"),
		Name:      chi.URLParam(req, "name"),
	}

	var app syncv1.Application
	if err := s.Client.Get(req.Context(), key, &app); err != nil {
		if apierrors.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("application %s not found", key)})
			return
		}
		s.Logger.Error(err, "failed to load application", "application", key)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load application"})
		return
	}

	patch := client.MergeFrom(app.DeepCopy())
	existing := app.GetAnnotations()
	if existing == nil {
		existing = map[string]string{}
	}
	for k, v := range annotations {
		existing[k] = v
	}
	app.SetAnnotations(existing)

	if err := s.Client.Patch(req.Context(), &app, patch); err != nil {
		s.Logger.Error(err, "failed to annotate application", "application", key)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to trigger application"})
		return
	}

	s.Logger.Info("triggered application", "application", key)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"application": key.String(),
		"status":      "triggered",
	})
}

// handleSCMHook accepts a push notification from an SCM provider and
// triggers every Application whose repository matches the pushed one.
func (s *Receiver) handleSCMHook(w http.ResponseWriter, req *http.Request) {
	if s.WebhookParser == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "webhook handling is not configured"})
		return
	}

	hook, err := s.WebhookParser.Parse(req, func(scm.Webhook) (string, error) {
		return s.WebhookSecret, nil
	})
	if err != nil {
		s.Logger.Error(err, "failed to parse webhook")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse webhook"})
		return
	}

	push, ok := hook.(*scm.PushHook)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	triggered, err := s.notifyPush(req.Context(), push)
	if err != nil {
		s.Logger.Error(err, "failed to handle push notification")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to handle push notification"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "triggered",
		"triggered": triggered,
	})
}

func (s *Receiver) notifyPush(ctx context.Context, push *scm.PushHook) ([]string, error) {
	var repos sourcev1.GitRepositoryList
	if err := s.Client.List(ctx, &repos); err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	matching := map[types.NamespacedName]bool{}
	for _, repo := range repos.Items {
		if repoURLMatches(repo.Spec.URL, push.Repo.Clone) {
			matching[client.ObjectKeyFromObject(&repo)] = true
		}
	}
	if len(matching) == 0 {
		return []string{}, nil
	}

	var apps syncv1.ApplicationList
	if err := s.Client.List(ctx, &apps); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	triggered := []string{}
	for i := range apps.Items {
		app := &apps.Items[i]
		repoKey := types.NamespacedName{
			Namespace: app.GetNamespace(),
			Name:      app.Spec.Source.RepositoryRef,
		}
		if !matching[repoKey] {
			continue
		}
		s.Logger.Info("push notification matched application", "application", client.ObjectKeyFromObject(app), "repo", push.Repo.Clone)
		s.Events <- event.GenericEvent{Object: app}
		triggered = append(triggered, client.ObjectKeyFromObject(app).String())
	}

	return triggered, nil
}

// repoURLMatches compares repository URLs ignoring a trailing ".git".
func repoURLMatches(a, b string) bool {
	return strings.TrimSuffix(a, ".git") == strings.TrimSuffix(b, ".git")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
