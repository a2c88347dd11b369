package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"capstan/internal/backend"
	"capstan/internal/fileutil"
)

// Model-hub caches use one of three directory conventions for a repository
// like org/name: the bare name, a models/ prefix with the full repo path, or
// the hashed models--org--name form with snapshot subdirectories. All three
// are probed when deciding whether a model is already on disk.

// hubLayouts returns every candidate directory for a model under one cache
// root. Snapshot-form candidates are expanded to their snapshot children.
func hubLayouts(root string, model backend.Model) []string {
	org, name := splitRepo(model.Repo)

	var candidates []string
	candidates = append(candidates, filepath.Join(root, name))
	candidates = append(candidates, filepath.Join(root, "models", org, name))

	hashed := filepath.Join(root, fmt.Sprintf("models--%s--%s", org, name), "snapshots")
	if entries, err := os.ReadDir(hashed); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				candidates = append(candidates, filepath.Join(hashed, e.Name()))
			}
		}
	}
	return candidates
}

func splitRepo(repo string) (org, name string) {
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		return repo[:i], repo[i+1:]
	}
	return "", repo
}

// ModelDownloaded reports whether the model's required files are present in
// any known cache layout under any of the given roots.
func ModelDownloaded(cacheRoots []string, model backend.Model) bool {
	return locateModel(cacheRoots, model) != ""
}

// LocateModel returns the directory holding a downloaded model, or empty
// string when no cache layout has all required files.
func LocateModel(cacheRoots []string, model backend.Model) string {
	return locateModel(cacheRoots, model)
}

func locateModel(cacheRoots []string, model backend.Model) string {
	for _, root := range cacheRoots {
		for _, dir := range hubLayouts(root, model) {
			if !fileutil.DirExists(dir) {
				continue
			}
			if hasRequiredFiles(dir, model.RequiredFiles) {
				return dir
			}
		}
	}
	return ""
}

func hasRequiredFiles(dir string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, name := range required {
		if !fileutil.FileExists(filepath.Join(dir, name)) {
			return false
		}
	}
	return true
}

// DeleteModel removes every cached copy of a model across all roots and
// layouts, including partially downloaded snapshot trees. It returns the
// number of directories removed.
func DeleteModel(cacheRoots []string, model backend.Model) (int, error) {
	org, name := splitRepo(model.Repo)
	removed := 0
	for _, root := range cacheRoots {
		targets := []string{
			filepath.Join(root, name),
			filepath.Join(root, "models", org, name),
			filepath.Join(root, fmt.Sprintf("models--%s--%s", org, name)),
		}
		for _, dir := range targets {
			if !fileutil.DirExists(dir) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return removed, fmt.Errorf("remove %s: %w", dir, err)
			}
			removed++
		}
	}
	return removed, nil
}
