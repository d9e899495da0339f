/*
Copyright 2022 The Koordinator Authors.

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

// Package debugserver exposes a small gin-backed HTTP server for
// operational visibility: prometheus metrics plus JSON dumps of
// per-session and per-lane scheduling state, answering the "debug
// information related to session item" need directly rather than through
// log scraping.
package debugserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/aetf/gpu-execsched/pkg/execution/engine"
	"github.com/aetf/gpu-execsched/pkg/execution/taskexecutor"
)

// SessionSummary is the JSON shape for one session under /debugz/sessions.
type SessionSummary struct {
	Handle             string `json:"handle"`
	QueueDepth         int    `json:"queueDepth"`
	HOLWaiting         uint64 `json:"holWaiting"`
	NumFinishedIters   uint64 `json:"numFinishedIters"`
	UsedRunningTimeMs  int64  `json:"usedRunningTimeMs"`
	TotalRunningTimeMs int64  `json:"totalRunningTimeMs"`
	ProtectOOM         bool   `json:"protectOOM"`
	Debug              string `json:"debug"`
}

// Server serves debug and metrics endpoints over HTTP, reading state from
// an Executor and an Engine. Construct with New and run with ListenAndServe.
type Server struct {
	exec   *taskexecutor.Executor
	engine *engine.Engine
	srv    *http.Server
}

// New builds a debug server bound to addr (e.g. ":9090"), reporting on
// exec and eng.
func New(addr string, exec *taskexecutor.Executor, eng *engine.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{exec: exec, engine: eng}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/debugz/sessions", s.handleSessions)
	r.GET("/debugz/lanes", s.handleLanes)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down; it
// always returns a non-nil error, http.ErrServerClosed on a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	klog.InfoS("debug server listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSessions(c *gin.Context) {
	policy := s.exec.Policy()
	sessions := s.exec.Sessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := SessionSummary{
			Handle:             sess.SessHandle,
			QueueDepth:         sess.BgQueue.Len(),
			HOLWaiting:         sess.HOLWaiting(),
			NumFinishedIters:   sess.NumFinishedIters(),
			UsedRunningTimeMs:  sess.UsedRunningTime().Milliseconds(),
			TotalRunningTimeMs: sess.TotalRunningTime().Milliseconds(),
			ProtectOOM:         sess.ProtectOOM(),
		}
		if policy != nil {
			summary.Debug = policy.DebugStringFor(sess)
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{
		"policy":   policyDebugString(policy),
		"sessions": out,
	})
}

func (s *Server) handleLanes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lanes": s.engine.Lanes()})
}

func policyDebugString(policy interface{ DebugString() string }) string {
	if policy == nil {
		return ""
	}
	return policy.DebugString()
}
