// Package server exposes a binarycache.Store over HTTP using the Nix
// binary cache wire protocol: nix-cache-info, .narinfo and NAR fetch/put,
// .ls listings and debuginfo lookups.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/flokli/nixcached/binarycache"
	"github.com/flokli/nixcached/internal/nar"
	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/nixbase32"
	"github.com/flokli/nixcached/internal/storepath"
)

// Server is an HTTP frontend for a binarycache.Store.
type Server struct {
	Handler *chi.Mux

	store    *binarycache.Store
	priority int
	log      *logrus.Logger
}

// New constructs a Server for store. priority is the value advertised in
// nix-cache-info (lower wins when a client has several substituters).
func New(store *binarycache.Store, priority int, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{store: store, priority: priority, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(log))
	r.Use(middleware.Recoverer)

	r.Get("/nix-cache-info", s.handleCacheInfo)

	hashPattern := "{hash:^[" + nixbase32.Alphabet + "]{32}}"
	r.Get("/"+hashPattern+".narinfo", s.handleGetNarInfo)
	r.Head("/"+hashPattern+".narinfo", s.handleGetNarInfo)
	r.Put("/"+hashPattern+".narinfo", s.handlePutNarInfo)

	narHashPattern := "{narhash:^[" + nixbase32.Alphabet + `]{52}}`
	r.Get("/nar/"+narHashPattern+".nar", s.handleGetNar)
	r.Head("/nar/"+narHashPattern+".nar", s.handleGetNar)
	r.Get("/nar/"+narHashPattern+".nar.{suffix}", s.handleGetNar)
	r.Head("/nar/"+narHashPattern+".nar.{suffix}", s.handleGetNar)
	r.Put("/nar/"+narHashPattern+".nar", s.handlePutNar)
	r.Put("/nar/"+narHashPattern+".nar/{suffix}", s.handlePutNar)

	r.Get("/"+hashPattern+"-{name}.ls", s.handleList)

	r.Get("/debuginfo/{buildid:^[0-9a-f]{40}}", s.handleDebugInfo)

	r.Get("/log/{drvbasename}", s.handleBuildLog)

	s.Handler = r
	return s
}

func loggingMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("request")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", s.store.Dir, s.priority)
}

func (s *Server) pathFromHash(hash string) storepath.Path {
	// The name isn't known from the hash alone; GetNarInfo only needs the
	// hash part to look the object up, so a placeholder name is fine here.
	return storepath.Path{Dir: s.store.Dir, HashPart: hash, Name: "x"}
}

func (s *Server) handleGetNarInfo(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	path := s.pathFromHash(hash)

	ni, err := s.store.GetNarInfo(r.Context(), path)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body := ni.String()
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, body)
}

// handlePutNarInfo implements the narinfo half of the two-request upload
// protocol: the client PUTs the NAR first (staged under stagingKey by
// content hash), then PUTs the narinfo describing it. The staged NAR is
// what actually gets validated, compressed and signed, via Ingest; this
// handler only resolves which staged object the incoming narinfo refers
// to. objectbackend.Backend has no delete operation, so the staged
// uncompressed copy is left behind rather than cleaned up.
func (s *Server) handlePutNarInfo(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ni, err := narinfo.Parse(s.store.Dir, string(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ni.NarHash.IsZero() {
		http.Error(w, "narinfo is missing NarHash", http.StatusBadRequest)
		return
	}

	key := stagingKey(ni.NarHash.Base32())
	staged, _, err := s.store.Backend.Get(r.Context(), key)
	if err != nil {
		writeStoreError(w, fmt.Errorf("%w: NAR for this narinfo was not uploaded first", binarycache.ErrFormatError))
		return
	}
	defer staged.Close()

	if _, err := s.store.Ingest(r.Context(), ni, staged, binarycache.IngestOptions{}); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func stagingKey(narHashBase32 string) string {
	return "staging/" + narHashBase32 + ".nar"
}

func (s *Server) handleGetNar(w http.ResponseWriter, r *http.Request) {
	narHash := chi.URLParam(r, "narhash")
	// The NAR is fetched by content hash directly from the backend; the
	// store path it belongs to isn't needed for a raw NAR fetch.
	key := "nar/" + narHash + ".nar"
	if suffix := chi.URLParam(r, "suffix"); suffix != "" {
		key += "." + suffix
	}
	rc, size, err := s.store.Backend.Get(r.Context(), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-nix-nar")
	if size >= 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	}
	if r.Method == http.MethodHead {
		return
	}
	io.Copy(w, rc)
}

// handlePutNar stages the uploaded NAR by its content hash. It is not yet
// part of the cache: handlePutNarInfo picks it up by the same hash and
// runs it through Ingest, which is what actually publishes it.
func (s *Server) handlePutNar(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := nar.CheckMagic(bytes.NewReader(data)); err != nil {
		writeStoreError(w, fmt.Errorf("%w: %v", binarycache.ErrFormatError, err))
		return
	}

	narHash := chi.URLParam(r, "narhash")
	if err := s.store.Backend.Put(r.Context(), stagingKey(narHash), bytes.NewReader(data)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	name := chi.URLParam(r, "name")
	path := storepath.Path{Dir: s.store.Dir, HashPart: hash, Name: name}

	listing, err := s.store.List(r.Context(), path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(listing)
}

func (s *Server) handleDebugInfo(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildid")
	rc, _, err := s.store.Backend.Get(r.Context(), "debuginfo/"+buildID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/json")
	io.Copy(w, rc)
}

// handleBuildLog serves a derivation's build log, resolving the deriver
// when the requested basename names an output rather than a .drv itself.
func (s *Server) handleBuildLog(w http.ResponseWriter, r *http.Request) {
	basename := chi.URLParam(r, "drvbasename")
	path, err := storepath.Parse(s.store.Dir, string(s.store.Dir)+"/"+basename)
	if err != nil {
		writeStoreError(w, fmt.Errorf("%w: %v", binarycache.ErrInvalidPath, err))
		return
	}

	rc, err := s.store.GetBuildLog(r.Context(), path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, rc)
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errIsAny(err, binarycache.ErrNoSuchBinaryCacheFile, binarycache.ErrSubstituteGone):
		status = http.StatusNotFound
	case errIsAny(err, binarycache.ErrInvalidPath, binarycache.ErrFormatError):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func errIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
