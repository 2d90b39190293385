// Package ollama locates GGUF model blobs in a local Ollama model store.
package ollama

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

const (
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("ollama: model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Ref is a parsed model reference such as "llama3", "qwen2:7b" or
// "host/ns/name:tag".
type Ref struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func ParseRef(s string) (Ref, error) {
	r := Ref{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		s, r.Tag = s[:i], s[i+1:]
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		r.Name = parts[0]
	case 2:
		r.Namespace, r.Name = parts[0], parts[1]
	case 3:
		r.Registry, r.Namespace, r.Name = parts[0], parts[1], parts[2]
	default:
		return r, fmt.Errorf("invalid model reference %q", s)
	}
	if r.Name == "" || r.Tag == "" {
		return r, fmt.Errorf("invalid model reference %q", s)
	}
	return r, nil
}

func (r Ref) String() string {
	return r.Registry + "/" + r.Namespace + "/" + r.Name + ":" + r.Tag
}

// ModelsDir honours OLLAMA_MODELS and defaults to ~/.ollama/models.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve returns a GGUF path for ref. An existing file path is returned
// unchanged; anything else is looked up as a model reference.
func Resolve(ref string) (string, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return ref, nil
	}
	r, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	dir, err := ModelsDir()
	if err != nil {
		return "", err
	}
	return BlobPath(dir, r)
}

// BlobPath reads the manifest of r under dir and returns its model blob.
func BlobPath(dir string, r Ref) (string, error) {
	manifestPath := filepath.Join(dir, "manifests", r.Registry, r.Namespace, r.Name, r.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s", ErrNotFound, r)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("manifest %s: %w", manifestPath, err)
	}
	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%w: %s has no model layer", ErrNotFound, r)
	}

	// "sha256:abc" is stored as blobs/sha256-abc.
	blob := filepath.Join(dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("%w: blob %s: %v", ErrNotFound, digest, err)
	}
	return blob, nil
}
