// Package api serves the microVM control API over a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/vmm"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxPayload is the largest request body accepted by default.
const DefaultMaxPayload = 51200

const shutdownTimeout = 5 * time.Second

var log = logger.WithSource("api")

// Submitter runs one action and returns its response body.
type Submitter interface {
	Submit(a vmm.Action) (any, error)
}

// Server translates HTTP requests into controller actions.
type Server struct {
	sub        Submitter
	maxPayload int64
}

func New(sub Submitter, maxPayload int64) *Server {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	return &Server{sub: sub, maxPayload: maxPayload}
}

type fault struct {
	FaultMessage string `json:"fault_message"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r, id, err := match(req.Method, req.URL.Path)
	if err != nil {
		s.fault(w, err)

		return
	}

	r.count.Inc()

	body, err := s.readBody(req)
	if err != nil {
		r.fail()
		s.fault(w, err)

		return
	}

	a, err := r.methods[req.Method](id, body)
	if err != nil {
		r.fail()
		s.fault(w, err)

		return
	}

	resp, err := s.sub.Submit(a)
	if err != nil {
		r.fail()
		log.Debugf("%s failed: %v", a.Name(), err)
		s.fault(w, err)

		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readBody(req *http.Request) ([]byte, error) {
	if req.ContentLength > s.maxPayload {
		return nil, s.tooLarge(req.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, s.maxPayload+1))
	if err != nil {
		return nil, badRequest("reading request body: %v", err)
	}

	if int64(len(body)) > s.maxPayload {
		return nil, s.tooLarge(int64(len(body)))
	}

	return body, nil
}

func (s *Server) tooLarge(n int64) error {
	return badRequest("request payload with size %d is larger than the limit of %d allowed by server", n, s.maxPayload)
}

func (s *Server) fault(w http.ResponseWriter, err error) {
	status := StatusOf(err)

	switch status {
	case http.StatusInternalServerError:
		log.Errorf("internal error: %v", err)
	case http.StatusBadRequest:
		metrics.M.API.BadRequests.Inc()
	}

	writeJSON(w, status, fault{FaultMessage: err.Error()})
}

// StatusOf maps an error from Parse or the controller to an HTTP status.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}

	if vmm.KindOf(err) == vmm.Internal {
		return http.StatusInternalServerError
	}

	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(fault{FaultMessage: err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(b); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

// Serve listens on the Unix socket at path until ctx is done. A stale socket
// file is replaced.
func (s *Server) Serve(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer os.Remove(path)

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: shutdownTimeout,
	}

	log.Infof("listening on %s", path)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
