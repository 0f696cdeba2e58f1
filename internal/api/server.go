/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api exposes agent launches and hypervisor listings over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/agent"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/httputil"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/go-logr/logr"
)

const (
	HealthzPath = "/healthz"

	pathAgents    = "/v1/agents"
	pathLaunches  = "/v1/launches"
	pathEndpoints = "/v1/endpoints"
)

// Manager is the part of agent.Manager served by the API.
type Manager interface {
	Agents() []agent.Spec
	Start(ctx context.Context, name string, tee io.Writer) (*agent.Launch, error)
	Get(id string) (*agent.Launch, error)
	Records() []agent.Record
	ListVMNames(ctx context.Context, endpointRef string) ([]string, error)
	ListSnapshotNames(ctx context.Context, endpointRef, vmName string) ([]string, error)
}

type Options struct {
	// Username and Password enable basic authentication on every route but
	// the health check.
	Username string
	Password string
	// ListTimeout bounds hypervisor listings. Defaults to 30s.
	ListTimeout time.Duration
}

// AgentView describes a configured agent.
type AgentView struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	VM       string `json:"vm"`
	Snapshot string `json:"snapshot,omitempty"`
}

type Server struct {
	Log logr.Logger

	// launchCtx outlives the request that started a launch.
	launchCtx context.Context
	manager   Manager
	opts      Options
}

// New returns a Server. Launches started through it are cancelled with ctx.
func New(ctx context.Context, log logr.Logger, manager Manager, opts Options) *Server {
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 30 * time.Second
	}

	return &Server{
		Log:       log.WithName("api-server"),
		launchCtx: ctx,
		manager:   manager,
		opts:      opts,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("GET "+pathAgents, s.listAgents)
	v1.HandleFunc("POST "+pathAgents+"/{name}/launches", s.startLaunch)
	v1.HandleFunc("GET "+pathLaunches, s.listLaunches)
	v1.HandleFunc("GET "+pathLaunches+"/{id}", s.getLaunch)
	v1.HandleFunc("GET "+pathLaunches+"/{id}/log", s.getLaunchLog)
	v1.HandleFunc("GET "+pathEndpoints+"/{endpoint}/vms", s.listVMs)
	v1.HandleFunc("GET "+pathEndpoints+"/{endpoint}/vms/{vm}/snapshots", s.listSnapshots)

	var protected http.Handler = v1
	if s.opts.Username != "" {
		protected = httputil.BasicAuth(v1, httputil.StaticCredentials(s.opts.Username, s.opts.Password))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/", protected)

	return s.logRequests(mux)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	specs := s.manager.Agents()

	out := make([]AgentView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, AgentView{
			Name:     spec.Name(),
			Endpoint: spec.EndpointID(),
			VM:       spec.Request().VMName,
			Snapshot: spec.Request().Snapshot,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) startLaunch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	l, err := s.manager.Start(s.launchCtx, name, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Log.Info("launch started", "agent", name, "launchID", l.ID().String())

	w.Header().Set("Location", pathLaunches+"/"+l.ID().String())
	httputil.WriteJSON(w, http.StatusAccepted, l.Record())
}

func (s *Server) listLaunches(w http.ResponseWriter, r *http.Request) {
	records := s.manager.Records()

	if name := r.URL.Query().Get("agent"); name != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Agent == name {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	httputil.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) getLaunch(w http.ResponseWriter, r *http.Request) {
	l, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, l.Record())
}

func (s *Server) getLaunchLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, l.Record().Log)
}

func (s *Server) listVMs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ListTimeout)
	defer cancel()

	names, err := s.manager.ListVMNames(ctx, r.PathValue("endpoint"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, names)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ListTimeout)
	defer cancel()

	names, err := s.manager.ListSnapshotNames(ctx, r.PathValue("endpoint"), r.PathValue("vm"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, names)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Log.Error(err, "request failed")
	}

	httputil.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, agent.ErrLaunchNotFound),
		errors.Is(err, hypervisor.ErrEndpointNotFound),
		errors.Is(err, hypervisor.ErrVMNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrLaunchInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.Log.V(1).Info("request",
			"server", httputil.ServerName(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}
