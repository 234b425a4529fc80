// Package plugin serves the Docker volume plugin protocol on top of the
// volume registry and the mount path service.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
	"github.com/bentoml/yatai-image-volume/pkg/common/metrics"
	"github.com/bentoml/yatai-image-volume/pkg/mountpath"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

// VolumeStore creates and removes volume records.
type VolumeStore interface {
	Create(ctx context.Context, name, image, path string) (volumedb.Volume, error)
	Remove(ctx context.Context, name string) error
}

// MountService resolves volumes to host paths.
type MountService interface {
	MountPath(ctx context.Context, name string, suppressImageNotFound bool) (string, bool, error)
	List(ctx context.Context) ([]mountpath.Mount, error)
}

type errBadRequest struct {
	msg string
}

func (e errBadRequest) Error() string { return e.msg }

type Server struct {
	store  VolumeStore
	mounts MountService
	router *mux.Router
}

func NewServer(store VolumeStore, mounts MountService) *Server {
	s := &Server{
		store:  store,
		mounts: mounts,
		router: mux.NewRouter(),
	}

	s.router.Use(instrument)
	s.router.HandleFunc("/Plugin.Activate", s.activate).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Capabilities", s.capabilities).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Create", s.create).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Remove", s.remove).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Get", s.get).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.List", s.list).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Path", s.mount).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Mount", s.mount).Methods(http.MethodPost)
	s.router.HandleFunc("/VolumeDriver.Unmount", s.unmount).Methods(http.MethodPost)
	s.router.Handle("/metrics", MetricsHandler()).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Err: fmt.Sprintf("unsupported endpoint %s", r.URL.Path)})
	})
	return s
}

// MetricsHandler serves the Prometheus metrics of the plugin.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActivateResponse{Implements: []string{VolumeDriver}})
}

// capabilities reports local scope: the registry lives on one host, so swarm
// deployments create the volume on every node.
func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CapabilitiesResponse{Capabilities: Capability{Scope: "local"}})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "", err)
		return
	}
	if req.Name == "" {
		writeError(w, r, "", errBadRequest{msg: "missing volume name"})
		return
	}
	image, ok := req.Opts[ImageOption]
	if !ok || image == "" {
		writeError(w, r, req.Name, errBadRequest{msg: "missing option " + ImageOption})
		return
	}
	if _, err := s.store.Create(r.Context(), req.Name, image, req.Opts[PathOption]); err != nil {
		writeError(w, r, req.Name, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// remove succeeds for unknown volumes: they are already gone.
func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeName(r, &req); err != nil {
		writeError(w, r, "", err)
		return
	}
	if err := s.store.Remove(r.Context(), req.Name); err != nil {
		writeError(w, r, req.Name, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// get does not require the image to be pulled; the mount point is left out
// until it is.
func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeName(r, &req); err != nil {
		writeError(w, r, "", err)
		return
	}
	path, _, err := s.mounts.MountPath(r.Context(), req.Name, true)
	if err != nil {
		writeError(w, r, req.Name, err)
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{Volume: Volume{Name: req.Name, Mountpoint: path}})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	mounts, err := s.mounts.List(r.Context())
	if err != nil {
		writeError(w, r, "", err)
		return
	}
	vols := make([]Volume, 0, len(mounts))
	for _, m := range mounts {
		vols = append(vols, Volume{Name: m.Name, Mountpoint: m.Mountpoint})
	}
	writeJSON(w, http.StatusOK, ListResponse{Volumes: vols})
}

// mount serves both Path and Mount. Nothing is mounted: the layer directory
// already exists, so its path is handed back as is. A missing image is an
// error here.
func (s *Server) mount(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeName(r, &req); err != nil {
		writeError(w, r, "", err)
		return
	}
	path, _, err := s.mounts.MountPath(r.Context(), req.Name, false)
	if err != nil {
		writeError(w, r, req.Name, err)
		return
	}
	writeJSON(w, http.StatusOK, MountResponse{Mountpoint: path})
}

func (s *Server) unmount(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeName(r, &req); err != nil {
		writeError(w, r, "", err)
		return
	}
	loggerFrom(r.Context()).DebugContext(r.Context(), "Volume unmounted", slog.String("name", req.Name), slog.String("id", req.ID))
	writeJSON(w, http.StatusOK, struct{}{})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest{msg: "failed to decode request: " + err.Error()}
	}
	return nil
}

func decodeName(r *http.Request, req *NameRequest) error {
	if err := decode(r, req); err != nil {
		return err
	}
	if req.Name == "" {
		return errBadRequest{msg: "missing volume name"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", MimeType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, name string, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var badRequest errBadRequest
	switch {
	case volumedb.IsNotFound(err):
		status = http.StatusNotFound
		msg = fmt.Sprintf("volume %s not found", name)
	case errors.As(err, &badRequest), volumedb.IsInvalidParameter(err):
		status = http.StatusBadRequest
	}

	loggerFrom(r.Context()).WarnContext(r.Context(), "Request failed", slog.String("name", name), slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, ErrorResponse{Err: msg})
}

type loggerKey struct{}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return logger.L()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument tags every request with an ID, logs it and counts it.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		l := logger.L().With(slog.String("requestID", xid.New().String()), slog.String("endpoint", r.URL.Path))
		ctx := context.WithValue(r.Context(), loggerKey{}, l)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.PluginRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		l.DebugContext(ctx, "Handled request", slog.Int("status", rec.status), slog.Duration("duration", time.Since(started)))
	})
}
