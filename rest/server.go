// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gdamore/gitvisor"
	"github.com/gorilla/mux"
)

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m *gitvisor.Manager
	r *mux.Router
}

var ok struct{}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e := errorFor(err)
	h.writeJson(w, e.Code, e)
}

func projectID(r *http.Request) (int64, error) {
	id, e := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if e != nil || id <= 0 {
		return 0, gitvisor.ErrNoProject
	}
	return id, nil
}

func readProject(r *http.Request) (*gitvisor.Project, *Error) {
	p := &gitvisor.Project{}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if e := dec.Decode(p); e != nil {
		return nil, &Error{http.StatusBadRequest, "Malformed project: " + e.Error()}
	}
	return p, nil
}

// pollTag waits, if the client asked for a long poll, until current
// reports something other than the client's etag.
func pollTag(r *http.Request, watch func(int64, time.Duration) int64) {
	etag := r.Header.Get(PollEtagHeader)
	if etag == "" || etag != r.Header.Get("If-None-Match") {
		return
	}
	old, e := strconv.ParseInt(etag, 10, 64)
	if e != nil {
		return
	}
	secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if secs > MaxPollTime {
		secs = MaxPollTime
	}
	if secs > 0 {
		watch(old, time.Duration(secs)*time.Second)
	}
}

// notModified sets the Etag, and reports whether the client already has
// this version.
func notModified(w http.ResponseWriter, r *http.Request, tag int64) bool {
	etag := strconv.FormatInt(tag, 10)
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	pollTag(r, h.m.WatchSerial)
	info := h.m.GetInfo()
	if !notModified(w, r, info.Serial) {
		h.writeJson(w, http.StatusOK, info)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	pollTag(r, h.m.WatchLog)
	recs, id := h.m.GetLog(0)
	if notModified(w, r, id) {
		return
	}
	if recs == nil {
		recs = []gitvisor.LogRecord{}
	}
	h.writeJson(w, http.StatusOK, recs)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	if l, e := h.m.Statuses(r.Context()); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, http.StatusOK, l)
	}
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	id, e := projectID(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	if st, e := h.m.Status(r.Context(), id); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, http.StatusOK, st)
	}
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	p, re := readProject(r)
	if re != nil {
		h.writeJson(w, re.Code, re)
		return
	}
	if e := h.m.Create(r.Context(), p); e != nil {
		h.writeError(w, e)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/projects/%d", p.ID))
	h.writeJson(w, http.StatusCreated, p.Redacted())
}

func (h *Handler) modifyProject(w http.ResponseWriter, r *http.Request) {
	id, e := projectID(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	p, re := readProject(r)
	if re != nil {
		h.writeJson(w, re.Code, re)
		return
	}
	p.ID = id
	if e := h.m.Update(r.Context(), p); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, http.StatusOK, p.Redacted())
	}
}

func (h *Handler) removeProject(w http.ResponseWriter, r *http.Request) {
	id, e := projectID(r)
	if e != nil {
		h.writeError(w, e)
	} else if e = h.m.Remove(r.Context(), id); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, http.StatusOK, ok)
	}
}

// action runs one of the project operations, and responds with the
// project's status afterwards.
func (h *Handler) action(fn func(*gitvisor.Manager, *http.Request, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, e := projectID(r)
		if e != nil {
			h.writeError(w, e)
			return
		}
		if e = fn(h.m, r, id); e != nil {
			h.writeError(w, e)
			return
		}
		if st, e := h.m.Status(r.Context(), id); e != nil {
			h.writeError(w, e)
		} else {
			h.writeJson(w, http.StatusOK, st)
		}
	}
}

func updateProject(m *gitvisor.Manager, r *http.Request, id int64) error {
	return m.CloneOrUpdate(r.Context(), id)
}

func startProject(m *gitvisor.Manager, r *http.Request, id int64) error {
	return m.Start(r.Context(), id)
}

func stopProject(m *gitvisor.Manager, r *http.Request, id int64) error {
	return m.Stop(r.Context(), id)
}

func (h *Handler) logFile(access bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, e := projectID(r)
		if e != nil {
			h.writeError(w, e)
			return
		}
		accessPath, errorPath, e := h.m.LogPaths(r.Context(), id)
		if e != nil {
			h.writeError(w, e)
			return
		}
		path, name := errorPath, "error.log"
		if access {
			path, name = accessPath, "access.log"
		}
		f, e := os.Open(path)
		if os.IsNotExist(e) {
			h.writeError(w, gitvisor.ErrNoClone)
			return
		} else if e != nil {
			h.writeError(w, e)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", mimeText)
		if r.URL.Query().Get("download") != "" {
			w.Header().Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=\"project-%d-%s\"", id, name))
		}
		io.Copy(w, f)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// instrument counts requests by route template and status.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, e := cur.GetPathTemplate(); e == nil {
				route = tpl
			}
		}
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		h.m.Metrics().HTTPRequest(route, status)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *gitvisor.Manager) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r}
	r.Use(h.instrument)
	r.HandleFunc("/info", h.getInfo).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", m.Metrics().Handler()).Methods("GET")
	r.HandleFunc("/projects", h.listProjects).Methods("GET")
	r.HandleFunc("/projects", h.createProject).Methods("POST")
	r.HandleFunc("/projects/{id}", h.getProject).Methods("GET")
	r.HandleFunc("/projects/{id}", h.modifyProject).Methods("PUT")
	r.HandleFunc("/projects/{id}", h.removeProject).Methods("DELETE")
	r.HandleFunc("/projects/{id}/update", h.action(updateProject)).Methods("POST")
	r.HandleFunc("/projects/{id}/start", h.action(startProject)).Methods("POST")
	r.HandleFunc("/projects/{id}/stop", h.action(stopProject)).Methods("POST")
	r.HandleFunc("/projects/{id}/access-log", h.logFile(true)).Methods("GET")
	r.HandleFunc("/projects/{id}/error-log", h.logFile(false)).Methods("GET")
	return h
}
