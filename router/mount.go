package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/portico-web/portico/httpmsg"
)

// MountPoint maps a URL prefix onto a filesystem root. Mount points are
// the fallback after every route has failed to match.
type MountPoint struct {
	URLPrefix string
	FSRoot    string
}

// Mount registers a mount point. The prefix must start with "/"; the
// root must be an existing directory.
func (r *Router) Mount(urlPrefix, fsRoot string) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	if !strings.HasPrefix(urlPrefix, "/") {
		return fmt.Errorf("router: mount prefix %q must start with /", urlPrefix)
	}
	info, err := os.Stat(fsRoot)
	if err != nil {
		return fmt.Errorf("router: mount root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("router: mount root %q is not a directory", fsRoot)
	}
	r.mounts = append(r.mounts, &MountPoint{URLPrefix: urlPrefix, FSRoot: fsRoot})
	return nil
}

// matchMount returns the mount with the longest prefix of path, plus the
// path remainder below that prefix.
func (r *Router) matchMount(path string) (*MountPoint, string) {
	var best *MountPoint
	for _, mp := range r.mounts {
		if strings.HasPrefix(path, mp.URLPrefix) {
			if best == nil || len(mp.URLPrefix) > len(best.URLPrefix) {
				best = mp
			}
		}
	}
	if best == nil {
		return nil, ""
	}
	return best, strings.TrimPrefix(path, best.URLPrefix)
}

// serveMount resolves the remainder against the mount's filesystem root
// and serves a directory index or the file itself. A remainder that
// escapes the root after normalization is rejected.
func (r *Router) serveMount(mp *MountPoint, remainder string, req *httpmsg.Request, resp *httpmsg.Response) error {
	target, ok := resolveUnderRoot(mp.FSRoot, remainder)
	if !ok {
		r.RespondError(resp, httpmsg.StatusBadRequest)
		return nil
	}

	info, err := os.Stat(target)
	if err != nil {
		r.RespondError(resp, httpmsg.StatusNotFound)
		return nil
	}

	if info.IsDir() {
		html, err := FormatDirHTML(req.Path, target)
		if err != nil {
			r.RespondError(resp, httpmsg.StatusInternalServerError)
			return err
		}
		resp.SetStringContent(html, "text/html", httpmsg.StatusOK)
		return nil
	}

	return r.serveFile(target, info.Size(), fileETag(target, info), req, resp)
}

// resolveUnderRoot joins the remainder under root and verifies the
// normalized result cannot traverse out of it.
func resolveUnderRoot(root, remainder string) (string, bool) {
	target := filepath.Join(root, filepath.FromSlash(remainder))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return absTarget, true
}

// serveFile fills resp with the file body, honoring Range and
// If-None-Match.
func (r *Router) serveFile(path string, size int64, etag string, req *httpmsg.Request, resp *httpmsg.Response) error {
	if match := req.Header.Get("If-None-Match"); match != "" && match == etag {
		resp.SetEmptyContent(httpmsg.StatusNotModified)
		resp.Header.Set("ETag", etag)
		return nil
	}

	ranges, err := ParseRanges(req.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrRangeNotSatisfiable):
		r.RespondError(resp, httpmsg.StatusRangeNotSatisfiable)
		resp.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return nil
	case err != nil:
		r.RespondError(resp, httpmsg.StatusBadRequest)
		return nil
	}

	resp.Header.Set("ETag", etag)
	resp.Header.Set("Accept-Ranges", "bytes")
	if len(ranges) == 0 {
		resp.SetFileContent(path)
		resp.Status = httpmsg.StatusOK
		return nil
	}
	resp.SetFileRangesContent(path, ranges)
	return nil
}

// fileETag derives a quoted (strong-form) entity tag from the file path,
// size and modification time.
func fileETag(path string, info os.FileInfo) string {
	h := xxhash.New()
	_, _ = h.WriteString(path)
	_, _ = fmt.Fprintf(h, "|%d|%d", info.Size(), info.ModTime().UnixNano())
	return fmt.Sprintf("\"%x\"", h.Sum64())
}
