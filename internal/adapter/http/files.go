package http

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// mediaExtensions are the downloaded artifact types listed by the library.
var mediaExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".opus": true, ".ogg": true, ".aac": true, ".flac": true, ".wav": true,
	".mp4": true, ".webm": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true,
}

// fileResponse describes one downloaded artifact.
type fileResponse struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if !s.libraryReady(w) {
		return
	}

	entries, err := os.ReadDir(s.libraryDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "Video folder not found")
			return
		}
		s.log.Error("read library failed", "dir", s.libraryDir, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read video folder")
		return
	}

	files := make([]fileResponse, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !mediaExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileResponse{
			Name:       e.Name(),
			Path:       "/api/files/" + e.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(files, func(a, b int) bool { return files[a].Name < files[b].Name })
	s.writeJSON(w, http.StatusOK, files)
}

// handleStreamFile serves one artifact with Range support. Names are
// confined to the library directory.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	if !s.libraryReady(w) {
		return
	}

	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		s.writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	root, err := os.OpenRoot(s.libraryDir)
	if err != nil {
		s.log.Error("open library failed", "dir", s.libraryDir, "err", err)
		s.writeError(w, http.StatusNotFound, "Video folder not found")
		return
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "Video not found")
			return
		}
		s.log.Warn("open library file failed", "name", name, "err", err)
		s.writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "Video not found")
		return
	}
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) libraryReady(w http.ResponseWriter) bool {
	if s.libraryDir == "" {
		s.writeError(w, http.StatusServiceUnavailable, "Video folder not configured")
		return false
	}
	return true
}
