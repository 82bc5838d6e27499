package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	syncv1 "github.com/gitops-tools/appsync-controller/api/v1alpha1"
)

// Server serves a read-only JSON view of Application sync state.
type Server struct {
	Client     client.Reader
	Logger     logr.Logger
	ListenAddr string
}

// NewServer creates a status Server listening on addr.
func NewServer(c client.Reader, logger logr.Logger, addr string) *Server {
	return &Server{
		Client:     c,
		Logger:     logger,
		ListenAddr: addr,
	}
}

// applicationSummary is the external projection of an Application's state.
type applicationSummary struct {
	Name          string               `json:"name"`
	Namespace     string               `json:"namespace"`
	Phase         syncv1.SyncPhase     `json:"phase,omitempty"`
	Suspended     bool                 `json:"suspended,omitempty"`
	LastAttempted string               `json:"lastAttemptedRevision,omitempty"`
	LastSynced    string               `json:"lastSyncedRevision,omitempty"`
	Sync          *syncv1.SyncResult   `json:"sync,omitempty"`
	History       []syncv1.SyncResult  `json:"history,omitempty"`
	Resources     []syncv1.ResourceRef `json:"resources,omitempty"`
}

// Start implements manager.Runnable, serving until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.Logger.Info("starting status server", "addr", s.ListenAddr)
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

// Routes builds the router for the status endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/applications", s.listApplications)
		api.Get("/applications/{namespace}/{name}", s.getApplication)
	})

	return r
}

func (s *Server) listApplications(w http.ResponseWriter, req *http.Request) {
	var apps syncv1.ApplicationList
	opts := []client.ListOption{}
	if ns := req.URL.Query().Get("namespace"); ns != "" {
		opts = append(opts, client.InNamespace(ns))
	}

	if err := s.Client.List(req.Context(), &apps, opts...); err != nil {
		s.Logger.Error(err, "failed to list applications")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list applications"})
		return
	}

	items := []applicationSummary{}
	for i := range apps.Items {
		items = append(items, summarize(&apps.Items[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getApplication(w http.ResponseWriter, req *http.Request) {
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

	writeJSON(w, http.StatusOK, summarize(&app))
}

func summarize(app *syncv1.Application) applicationSummary {
	summary := applicationSummary{
		Name:          app.GetName(),
		Namespace:     app.GetNamespace(),
		Phase:         app.Status.Phase,
		Suspended:     app.Spec.Suspend,
		LastAttempted: app.Status.LastAttemptedRevision,
		LastSynced:    app.Status.LastSyncedRevision,
		Sync:          app.Status.Sync,
		History:       app.Status.History,
	}
	if app.Status.Inventory != nil {
		summary.Resources = app.Status.Inventory.Entries
	}

	return summary
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
