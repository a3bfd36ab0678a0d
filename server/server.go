/*
Copyright (c) PacketScope and its affiliates.
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

// Package server exposes the query surface: the HTTP endpoints over the
// tracing pipeline, the live analyzer WebSocket and the hop-path API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/usernameisveryok/PacketScope/analyzer"
	"github.com/usernameisveryok/PacketScope/locator"
	"github.com/usernameisveryok/PacketScope/tracer"
)

// Server binds the pipeline, the analyzer and the locator to their three
// listeners.
type Server struct {
	Filter *tracer.Filter
	Query  *tracer.QueryEngine
	// ClearData raises the clear flag on both stores.
	ClearData func()
	// AttachFinished reports probe attachment state.
	AttachFinished func() bool

	Analyzer *analyzer.Analyzer
	Locator  *locator.Locator

	// FuncMapPath is the persisted id→name map served by GetFuncTable.
	FuncMapPath string

	ListenAddr   string
	AnalyzerAddr string
	LocatorAddr  string
}

// cors mirrors the permissive cross-origin policy of the surface.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router builds the query surface routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/QuerySockList", s.handleSockList).Methods(http.MethodGet)
	r.HandleFunc("/GetFuncTable", s.handleFuncTable).Methods(http.MethodGet)
	r.HandleFunc("/SetFilter", s.handleSetFilter).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/UnsetFilter", s.handleUnsetFilter).Methods(http.MethodGet)
	r.HandleFunc("/ClearData", s.handleClearData).Methods(http.MethodGet)
	r.HandleFunc("/QueryFuncSend", s.handleQueryFuncSend).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/QueryFuncRecv", s.handleQueryFuncRecv).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/QueryPacket", s.handleQueryPacket).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/GetRecentMap", s.handleRecentMap).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/GetRecentPacket", s.handleRecentPacket).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/IsAttachFinished", s.handleAttachFinished).Methods(http.MethodGet)
	return cors(r)
}

// LocatorRouter builds the hop-path API routes.
func (s *Server) LocatorRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/trace", s.handleTrace).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/analyze", s.handleAnalyze).Methods(http.MethodGet)
	return cors(r)
}

// Run serves the three listeners until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	main := &http.Server{Addr: s.ListenAddr, Handler: s.Router()}
	ws := &http.Server{Addr: s.AnalyzerAddr, Handler: http.HandlerFunc(s.handleWS)}
	loc := &http.Server{Addr: s.LocatorAddr, Handler: s.LocatorRouter()}

	servers := []*http.Server{main, ws, loc}
	errc := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Infof("listening on %s", srv.Addr)
			errc <- srv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errc:
		return err
	}
}
