package webui

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
)

var allowedAssetTypes = map[string]bool{
	".html": true, ".css": true, ".js": true,
	".png": true, ".jpg": true, ".jpeg": true, ".svg": true,
	".ico": true, ".webmanifest": true,
}

// assetsHandler serves one file from AssetsDir. Lookups go through os.Root,
// so names that climb out of the directory or follow a symlink out of it
// fail to open.
func (webUI *WebUI) assetsHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/assets/")
	if name == "" || strings.ContainsAny(name, "\\\x00") || !allowedAssetTypes[strings.ToLower(path.Ext(name))] {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	dir := webUI.AssetsDir
	if dir == "" {
		dir = "./public"
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		slog.Error("assets directory unavailable", slog.String("dir", dir), slog.Any("error", err))
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(path.Clean(name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("asset lookup blocked", slog.String("name", name), slog.Any("error", err))
		}
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}
