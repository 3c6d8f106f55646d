// internal/provider/local/scan.go
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"clsync/internal/change"
	"clsync/internal/dirty"
	apperrors "clsync/internal/errors"
	"clsync/internal/safe"
	"clsync/internal/vcs"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type scanned struct {
	rel  string
	hash string
	gone bool
}

// walkResult is what a walk over one scope found on disk.
type walkResult struct {
	files   []string
	ignored []string
	locked  []string
}

// Changes compares the working copy inside scope with the committed states
// and reports the differences. Files with identical content that vanished
// from one path and appeared at another are reported as a move.
func (p *Provider) Changes(ctx context.Context, scope *dirty.Scope, b vcs.Builder) error {
	if scope.Root != p.root {
		return apperrors.VCSError(fmt.Sprintf("scope %s is not under %s", scope.Root, p.root), nil)
	}
	states, added, err := p.baseline(scope)
	if err != nil {
		return apperrors.VCSError("loading baseline", err)
	}

	walked, err := p.walk(ctx, scope, states)
	if err != nil {
		if apperrors.IsCancelled(err) {
			return apperrors.ErrCancelled
		}
		return apperrors.VCSError(fmt.Sprintf("scanning %s", p.root), err)
	}

	found, err := p.hashAll(ctx, walked.files)
	if err != nil {
		if apperrors.IsCancelled(err) {
			return apperrors.ErrCancelled
		}
		return apperrors.VCSError(fmt.Sprintf("hashing %s", p.root), err)
	}

	current := make(map[string]string, len(found))
	for _, f := range found {
		if !f.gone {
			current[f.rel] = f.hash
		}
	}

	var missing []string
	for rel, st := range states {
		hash, ok := current[rel]
		switch {
		case !ok && !underAny(rel, walked.locked):
			missing = append(missing, rel)
		case ok && hash != st.Hash:
			b.ProcessChange(change.Modified(Name, p.Abs(rel), st.Hash), "")
		}
	}
	sort.Strings(missing)

	// New files by content, for pairing with missing ones.
	var fresh []string
	byHash := make(map[string][]string)
	for rel := range current {
		if _, ok := states[rel]; ok {
			continue
		}
		fresh = append(fresh, rel)
	}
	sort.Strings(fresh)
	for _, rel := range fresh {
		byHash[current[rel]] = append(byHash[current[rel]], rel)
	}

	claimed := make(map[string]bool)
	for _, rel := range missing {
		base := states[rel]
		if candidates := byHash[base.Hash]; len(candidates) > 0 {
			to := candidates[0]
			byHash[base.Hash] = candidates[1:]
			claimed[to] = true
			b.ProcessChange(change.New(Name,
				change.Revision{Path: p.Abs(rel), Number: base.Hash},
				change.Revision{Path: p.Abs(to)},
			), "")
			continue
		}
		b.ProcessChange(change.Deleted(Name, p.Abs(rel), base.Hash), "")
	}

	for _, rel := range fresh {
		switch {
		case claimed[rel]:
		case added[rel]:
			b.ProcessChange(change.Added(Name, p.Abs(rel)), "")
		default:
			b.ProcessUnversioned(p.Abs(rel))
		}
	}
	for _, rel := range walked.ignored {
		b.ProcessIgnored(p.Abs(rel))
	}
	for _, rel := range walked.locked {
		b.ProcessLockedFolder(p.Abs(rel))
	}

	p.logger.Debug("scanned scope",
		zap.Bool("everything", scope.Everything),
		zap.Int("files", len(current)),
		zap.Int("tracked", len(states)),
		zap.Int("missing", len(missing)),
	)
	return nil
}

// walk lists the regular files in scope. Ignored paths that still hold
// committed files are walked anyway so they don't read as deletions.
func (p *Provider) walk(ctx context.Context, scope *dirty.Scope, states map[string]FileState) (walkResult, error) {
	var res walkResult
	seen := make(map[string]bool)

	tracked := func(rel string) bool {
		if _, ok := states[rel]; ok {
			return true
		}
		for s := range states {
			if strings.HasPrefix(s, rel+"/") {
				return true
			}
		}
		return false
	}

	visit := func(osPath string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(p.dir, osPath)
		if relErr != nil {
			return relErr
		}
		rel = dirty.Clean(filepath.ToSlash(rel))

		if err != nil {
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return nil
			case errors.Is(err, fs.ErrPermission):
				if d != nil && d.IsDir() {
					res.locked = append(res.locked, rel)
					return fs.SkipDir
				}
				return nil
			}
			return err
		}

		if rel != "." && p.isIgnored(rel) {
			if rel == MetaDir || strings.HasPrefix(rel, MetaDir+"/") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !tracked(rel) {
				res.ignored = append(res.ignored, rel)
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		if d.Type().IsRegular() && !seen[rel] {
			seen[rel] = true
			res.files = append(res.files, rel)
		}
		return nil
	}

	var roots []string
	if scope.Everything {
		roots = []string{"."}
	} else {
		roots = append(scope.SortedDirs(), scope.SortedFiles()...)
	}
	for _, rel := range roots {
		if err := filepath.WalkDir(p.osPath(rel), visit); err != nil {
			return walkResult{}, err
		}
	}
	return res, nil
}

// hashAll reads and hashes files on a bounded number of goroutines. A file
// that disappeared since the walk is marked gone.
func (p *Provider) hashAll(ctx context.Context, files []string) ([]scanned, error) {
	out := make([]scanned, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := os.ReadFile(p.osPath(rel))
			if errors.Is(err, fs.ErrNotExist) {
				out[i] = scanned{rel: rel, gone: true}
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			out[i] = scanned{rel: rel, hash: safe.Hash(content)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func underAny(rel string, dirs []string) bool {
	for _, d := range dirs {
		if d == "." || rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}
