package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/flokli/nixcached/binarycache"
	"github.com/flokli/nixcached/internal/derivation"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/flokli/nixcached/objectbackend"
	"github.com/flokli/nixcached/pathinfocache"
	"github.com/flokli/nixcached/server"
)

var CLI struct {
	Serve struct {
		Backend          string `name:"backend" help:"Object backend URL for NARs and narinfos (memory://, file:///path, s3://bucket, gs://bucket, casync:///path)." default:"file:///var/cache/nixcached"`
		ListenAddr       string `name:"listen-addr" help:"The address this service listens on." default:"[::]:9000"`
		Compression      string `name:"compression" help:"Compression codec applied to newly ingested NARs." default:"zstd"`
		SignKeyFile      string `name:"sign-key-file" help:"Path to a secret key in 'name:base64' format, as produced by nix-store --generate-binary-cache-key."`
		Priority         int    `name:"priority" help:"Priority advertised in nix-cache-info." default:"40"`
		CacheCapacity    int    `name:"cache-capacity" help:"Number of narinfo lookups kept in the in-process LRU." default:"8192"`
		CacheDB          string `name:"cache-db" help:"SQLite DSN for the persistent path-info cache tier; empty disables it." default:""`
		DebugInfoWorkers int    `name:"debuginfo-workers" help:"Number of concurrent goroutines used to index debug info." default:"0"`
		EnableListing    bool   `name:"enable-listing" help:"Publish a .ls NAR listing alongside each ingested path."`
		EnableDebugInfo  bool   `name:"enable-debuginfo" help:"Scan each ingested NAR for ELF build ids and publish debuginfo links."`
	} `cmd:"" help:"Serve a Nix binary cache."`

	AddDrv struct {
		Backend string `name:"backend" help:"Object backend URL to add the derivation to." default:"file:///var/cache/nixcached"`
		Path    string `arg:"" help:"Path to a local .drv file in ATerm text form."`
	} `cmd:"add-drv" help:"Resolve a derivation's output paths and add it to a binary cache as a text object."`
}

func main() {
	ctx := kong.Parse(&CLI)
	switch ctx.Command() {
	case "serve":
		runServe()
	case "add-drv <path>":
		runAddDrv()
	default:
		panic(ctx.Command())
	}
}

func runAddDrv() {
	ctx := context.Background()

	backend, err := objectbackend.New(ctx, CLI.AddDrv.Backend)
	if err != nil {
		log.WithError(err).Fatal("failed to open object backend")
	}
	defer backend.Close()

	store := &binarycache.Store{Dir: storepath.DefaultDirectory, Backend: backend}

	data, err := os.ReadFile(CLI.AddDrv.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to read derivation file")
	}

	d, err := derivation.Parse(store.Dir, string(data))
	if err != nil {
		log.WithError(err).Fatal("failed to parse derivation")
	}
	d.Name = strings.TrimSuffix(filepath.Base(CLI.AddDrv.Path), ".drv")

	ni, err := store.AddDerivation(ctx, d)
	if err != nil {
		log.WithError(err).Fatal("failed to add derivation")
	}
	fmt.Println(ni.StorePath.String())
}

func runServe() {
	backend, err := objectbackend.New(context.Background(), CLI.Serve.Backend)
	if err != nil {
		log.WithError(err).Fatal("failed to open object backend")
	}
	defer backend.Close()

	store := &binarycache.Store{
		Dir:              storepath.DefaultDirectory,
		Backend:          backend,
		Compression:      CLI.Serve.Compression,
		DebugInfoWorkers: CLI.Serve.DebugInfoWorkers,
		EnableListing:    CLI.Serve.EnableListing,
		EnableDebugInfo:  CLI.Serve.EnableDebugInfo,
	}

	if CLI.Serve.SignKeyFile != "" {
		name, key, err := loadSigningKey(CLI.Serve.SignKeyFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load signing key")
		}
		store.SignKeyName = name
		store.SignKey = key
	}

	if CLI.Serve.CacheCapacity > 0 {
		var persist pathinfocache.Store
		if CLI.Serve.CacheDB != "" {
			persist, err = pathinfocache.NewSQLiteStore(context.Background(), CLI.Serve.CacheDB, storepath.DefaultDirectory)
			if err != nil {
				log.WithError(err).Fatal("failed to open path-info cache database")
			}
			defer persist.Close()
		}
		store.Cache = pathinfocache.New(CLI.Serve.CacheCapacity, 30*time.Minute, time.Minute, persist)
		store.CacheURI = CLI.Serve.Backend
	}

	s := server.New(store, CLI.Serve.Priority, log.StandardLogger())

	httpServer := &http.Server{
		Addr:         CLI.Serve.ListenAddr,
		Handler:      s.Handler,
		ReadTimeout:  50 * time.Second,
		WriteTimeout: 100 * time.Second,
		IdleTimeout:  150 * time.Second,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Info("received signal, shutting down")
		_ = httpServer.Close()
		_ = backend.Close()
		os.Exit(1)
	}()

	log.Infof("starting server at %v", CLI.Serve.ListenAddr)
	log.Fatal(httpServer.ListenAndServe())
}

// loadSigningKey reads a secret key in the "name:base64(seed||pubkey)"
// format nix-store --generate-binary-cache-key produces.
func loadSigningKey(path string) (string, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	line := strings.TrimSpace(string(data))
	name, encoded, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, fmt.Errorf("nixcached: malformed signing key file %s", path)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("nixcached: decoding signing key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", nil, fmt.Errorf("nixcached: signing key has wrong size %d", len(raw))
	}
	return name, ed25519.PrivateKey(raw), nil
}
