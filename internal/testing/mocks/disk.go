package mocks

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AppFolder is where the server expands app:/ paths
const AppFolder = "disk:/Applications/ydsync"

type node struct {
	dir      bool
	data     []byte
	modified time.Time
	revision int64
}

// Quota is the total space the server reports
const Quota = 10 << 30

// DiskServer is an in-memory disk REST API served over httptest
type DiskServer struct {
	*httptest.Server

	mu       sync.Mutex
	nodes    map[string]*node
	revision int64
	calls    map[string]int
	requests []Request
	ops      map[string]string

	// Now stamps uploads; defaults to time.Now
	Now func() time.Time
	// HonorRange serves 206 slices for Range requests
	HonorRange bool
	// AsyncDeletes answers deletes with 202 and an operation link
	AsyncDeletes bool
	// FailUploads maps canonical paths to the status their upload gets
	FailUploads map[string]int
}

// NewDiskServer starts a server; it is closed by the caller
func NewDiskServer() *DiskServer {
	s := &DiskServer{
		nodes:       make(map[string]*node),
		calls:       make(map[string]int),
		ops:         make(map[string]string),
		Now:         time.Now,
		HonorRange:  true,
		FailUploads: make(map[string]int),
	}
	for _, p := range []string{"disk:", "disk:/Applications", AppFolder} {
		s.nodes[p] = &node{dir: true}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/resources", s.handleResources)
	mux.HandleFunc("/resources/upload", s.handleUploadHref)
	mux.HandleFunc("/resources/download", s.handleDownloadHref)
	mux.HandleFunc("/resources/move", s.handleMove)
	mux.HandleFunc("/_upload", s.handleUpload)
	mux.HandleFunc("/_download", s.handleDownload)
	mux.HandleFunc("/_operation/", s.handleOperation)
	mux.HandleFunc("/", s.handleDisk)
	s.Server = httptest.NewServer(mux)
	return s
}

// Canonical maps app:/x and /x to their disk:/ form
func Canonical(p string) string {
	switch {
	case strings.HasPrefix(p, "app:"):
		rest := strings.Trim(strings.TrimPrefix(p, "app:"), "/")
		if rest == "" {
			return AppFolder
		}
		return AppFolder + "/" + rest
	case strings.HasPrefix(p, "disk:"):
		rest := strings.Trim(strings.TrimPrefix(p, "disk:"), "/")
		if rest == "" {
			return "disk:"
		}
		return "disk:/" + rest
	}
	rest := strings.Trim(p, "/")
	if rest == "" {
		return "disk:"
	}
	return "disk:/" + rest
}

func parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= len("disk:") {
		return "disk:"
	}
	return p[:i]
}

// PutFile stores a file, creating missing folders
func (s *DiskServer) PutFile(p string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Canonical(p)
	for dir := parent(c); ; dir = parent(dir) {
		if _, ok := s.nodes[dir]; !ok {
			s.nodes[dir] = &node{dir: true}
		}
		if dir == "disk:" {
			break
		}
	}
	s.revision++
	s.nodes[c] = &node{data: append([]byte(nil), data...), modified: modified, revision: s.revision}
}

// File returns the content stored at p
func (s *DiskServer) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[Canonical(p)]
	if !ok || n.dir {
		return nil, false
	}
	return n.data, true
}

// Exists reports whether a file or folder is stored at p
func (s *DiskServer) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[Canonical(p)]
	return ok
}

// Calls returns how many requests hit an endpoint, e.g. "GET /resources"
func (s *DiskServer) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// Request is one call as the server saw it. Path is the canonical form of
// the path query parameter, or empty.
type Request struct {
	Method   string
	Endpoint string
	Path     string
}

// Requests returns every request in arrival order
func (s *DiskServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// FailUpload makes uploads to p answer status; 0 clears it
func (s *DiskServer) FailUpload(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.FailUploads, Canonical(p))
		return
	}
	s.FailUploads[Canonical(p)] = status
}

func (s *DiskServer) count(r *http.Request) {
	req := Request{Method: r.Method, Endpoint: r.URL.Path}
	if q := r.URL.Query().Get("path"); q != "" {
		req.Path = Canonical(q)
	}

	s.mu.Lock()
	s.calls[r.Method+" "+r.URL.Path]++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, name string) {
	writeJSON(w, status, map[string]string{
		"error":       name,
		"message":     name,
		"description": name,
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05+00:00")
}

func (s *DiskServer) resource(p string, n *node) map[string]interface{} {
	name := path.Base(strings.TrimPrefix(p, "disk:"))
	if n.dir {
		return map[string]interface{}{"name": name, "path": p, "type": "dir"}
	}
	sum := md5.Sum(n.data)
	return map[string]interface{}{
		"name":     name,
		"path":     p,
		"type":     "file",
		"size":     len(n.data),
		"modified": formatTime(n.modified),
		"revision": n.revision,
		"md5":      hex.EncodeToString(sum[:]),
	}
}

func (s *DiskServer) handleResources(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	p := Canonical(r.URL.Query().Get("path"))

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		n, ok := s.nodes[p]
		if !ok {
			writeError(w, http.StatusNotFound, "DiskNotFoundError")
			return
		}
		res := s.resource(p, n)
		if n.dir {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			if limit <= 0 {
				limit = 20
			}
			var children []string
			for k := range s.nodes {
				if k != p && parent(k) == p {
					children = append(children, k)
				}
			}
			sort.Strings(children)
			items := []map[string]interface{}{}
			for i := offset; i < len(children) && i < offset+limit; i++ {
				items = append(items, s.resource(children[i], s.nodes[children[i]]))
			}
			res["_embedded"] = map[string]interface{}{
				"items":  items,
				"limit":  limit,
				"offset": offset,
				"total":  len(children),
				"path":   p,
			}
		}
		writeJSON(w, http.StatusOK, res)

	case http.MethodPut:
		if _, ok := s.nodes[p]; ok {
			writeError(w, http.StatusConflict, "DiskPathPointsToExistentDirectoryError")
			return
		}
		if pn, ok := s.nodes[parent(p)]; !ok || !pn.dir {
			writeError(w, http.StatusConflict, "DiskPathDoesntExistsError")
			return
		}
		s.nodes[p] = &node{dir: true}
		writeJSON(w, http.StatusCreated, map[string]string{"href": s.URL + "/resources?path=" + p})

	case http.MethodDelete:
		if _, ok := s.nodes[p]; !ok {
			writeError(w, http.StatusNotFound, "DiskNotFoundError")
			return
		}
		for k := range s.nodes {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(s.nodes, k)
			}
		}
		if s.AsyncDeletes {
			id := strconv.Itoa(len(s.ops) + 1)
			s.ops[id] = "success"
			writeJSON(w, http.StatusAccepted, map[string]string{"href": s.URL + "/_operation/" + id, "method": "GET"})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (s *DiskServer) handleUploadHref(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	p := Canonical(r.URL.Query().Get("path"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if pn, ok := s.nodes[parent(p)]; !ok || !pn.dir {
		writeError(w, http.StatusConflict, "DiskPathDoesntExistsError")
		return
	}
	if r.URL.Query().Get("overwrite") != "true" {
		if _, ok := s.nodes[p]; ok {
			writeError(w, http.StatusConflict, "DiskResourceAlreadyExistsError")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"href":   s.URL + "/_upload?path=" + p,
		"method": "PUT",
	})
}

func (s *DiskServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	p := r.URL.Query().Get("path")

	s.mu.Lock()
	status := s.FailUploads[p]
	s.mu.Unlock()
	if status != 0 {
		writeError(w, status, "UploadRejected")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadBody")
		return
	}

	s.mu.Lock()
	s.revision++
	s.nodes[p] = &node{data: data, modified: s.Now(), revision: s.revision}
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *DiskServer) handleDownloadHref(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	p := Canonical(r.URL.Query().Get("path"))

	s.mu.Lock()
	n, ok := s.nodes[p]
	s.mu.Unlock()
	if !ok || n.dir {
		writeError(w, http.StatusNotFound, "DiskNotFoundError")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"href": s.URL + "/_download?path=" + p, "method": "GET"})
}

func (s *DiskServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	p := r.URL.Query().Get("path")

	s.mu.Lock()
	n, ok := s.nodes[p]
	honor := s.HonorRange
	s.mu.Unlock()
	if !ok || n.dir {
		writeError(w, http.StatusNotFound, "DiskNotFoundError")
		return
	}

	data := n.data
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err == nil && honor {
		total := int64(len(data))
		if start >= total {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= total {
			end = total - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *DiskServer) handleMove(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	q := r.URL.Query()
	from, to := Canonical(q.Get("from")), Canonical(q.Get("path"))

	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[from]
	if !ok {
		writeError(w, http.StatusNotFound, "DiskNotFoundError")
		return
	}
	if _, exists := s.nodes[to]; exists && q.Get("overwrite") != "true" {
		writeError(w, http.StatusConflict, "DiskResourceAlreadyExistsError")
		return
	}
	delete(s.nodes, from)
	s.nodes[to] = n
	writeJSON(w, http.StatusCreated, map[string]string{"href": s.URL + "/resources?path=" + to})
}

func (s *DiskServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	id := strings.TrimPrefix(r.URL.Path, "/_operation/")

	s.mu.Lock()
	status, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "OperationNotFound")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *DiskServer) handleDisk(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}

	s.mu.Lock()
	var used int64
	for _, n := range s.nodes {
		used += int64(len(n.data))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_space": Quota,
		"used_space":  used,
		"trash_size":  0,
		"user":        map[string]string{"login": "tester", "display_name": "Test User"},
	})
}
