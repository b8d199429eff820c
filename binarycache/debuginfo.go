package binarycache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flokli/nixcached/internal/nar"
	"github.com/flokli/nixcached/internal/storepath"
)

const debugInfoWorkersDefault = 25

// buildIDLink is the JSON document written at "debuginfo/<build-id>": a
// pointer to the compressed NAR object that holds the actual .debug ELF
// section and the path inside that NAR's tree, so a debugger can resolve
// a build-id to source without downloading every NAR up front.
type buildIDLink struct {
	Archive string `json:"archive"`
	Member  string `json:"member"`
}

// IndexDebugInfo scans path's NAR for ELF debug files under
// /lib/debug/.build-id/<xx>/<38 hex chars>.debug and publishes a
// "debuginfo/<40 hex chars>" link for each one found, so cache clients can
// fetch debug info by build-id directly instead of downloading the whole
// closure. Scanning runs on a bounded worker pool since a store can hold
// many outputs worth indexing after a bulk import.
func (s *Store) IndexDebugInfo(ctx context.Context, paths []storepath.Path) error {
	workers := s.DebugInfoWorkers
	if workers <= 0 {
		workers = debugInfoWorkersDefault
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	errs := make(chan error, len(paths))

	for _, p := range paths {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.indexOneDebugInfo(ctx, p); err != nil {
				errs <- fmt.Errorf("binarycache: indexing debuginfo for %s: %w", p, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

func (s *Store) indexOneDebugInfo(ctx context.Context, path storepath.Path) error {
	ni, err := s.GetNarInfo(ctx, path)
	if err != nil {
		return err
	}

	r, _, err := s.Read(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := nar.Decode(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptNAR, err)
	}

	return s.publishDebugInfo(ctx, root, "", ni.URL)
}

// publishDebugInfo walks root looking for ELF debug files and publishes a
// "debuginfo/<build-id>" link for each one, pointing at narKey (the
// backend key of the already-uploaded compressed NAR archive holding
// root). Existing links are left untouched: whichever store path first
// claims a build-id keeps it.
func (s *Store) publishDebugInfo(ctx context.Context, root *nar.Node, prefix, narKey string) error {
	for _, id := range findBuildIDs(root, prefix) {
		key := "debuginfo/" + id.buildID
		exists, err := s.Backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		link := buildIDLink{
			Archive: "../" + narKey,
			Member:  id.narPath,
		}
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		if err := s.Backend.Put(ctx, key, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	return nil
}

type foundBuildID struct {
	buildID string
	narPath string
}

// buildIDRootComponents is the fixed path, relative to a NAR's root, under
// which build-id links live: "lib/debug/.build-id". Nix never looks for
// build ids anywhere else in the tree, so descending this exact path
// (rather than searching the whole tree for the string) is both the
// correct anchor and cheaper.
var buildIDRootComponents = []string{"lib", "debug", ".build-id"}

// findBuildIDs descends root along buildIDRootComponents and returns every
// entry found exactly two levels below it: a two-hex-character directory
// holding <38 hex chars>.debug files, reassembled into the 40-char build
// id. prefix is prepended to the NAR-relative paths recorded for each
// match; it does not change where the search starts, which is always
// root's own lib/debug/.build-id.
func findBuildIDs(root *nar.Node, prefix string) []foundBuildID {
	n := root
	for _, c := range buildIDRootComponents {
		if n == nil || n.Type != nar.TypeDirectory {
			return nil
		}
		n = n.Entries[c]
	}
	if n == nil || n.Type != nar.TypeDirectory {
		return nil
	}

	base := prefix + "/" + strings.Join(buildIDRootComponents, "/")
	var found []foundBuildID
	for xx, dir := range n.Entries {
		if len(xx) != 2 || !isHex(xx) || dir.Type != nar.TypeDirectory {
			continue
		}
		for file, entry := range dir.Entries {
			if entry.Type == nar.TypeDirectory {
				continue
			}
			id, ok := buildIDFromEntry(xx, file)
			if !ok {
				continue
			}
			found = append(found, foundBuildID{
				buildID: id,
				narPath: strings.TrimPrefix(base+"/"+xx+"/"+file, "/"),
			})
		}
	}
	return found
}

// buildIDFromEntry reassembles the 40-char build id from a "<xx>"
// directory name and a "<38 hex chars>.debug" file name.
func buildIDFromEntry(xx, file string) (string, bool) {
	const suffix = ".debug"
	if !strings.HasSuffix(file, suffix) || len(file) != len(suffix)+38 {
		return "", false
	}
	id := xx + strings.TrimSuffix(file, suffix)
	if len(id) != 40 || !isHex(id) {
		return "", false
	}
	return id, true
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
