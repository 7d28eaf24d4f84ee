// Package secrets resolves provider credentials by provider id.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Lookup resolves the credential for a provider id. ok is false when the
// source has no entry; err is reserved for a source that could not be read.
type Lookup interface {
	Lookup(ctx context.Context, providerID string) (key string, ok bool, err error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, providerID string) (string, bool, error)

func (f LookupFunc) Lookup(ctx context.Context, providerID string) (string, bool, error) {
	return f(ctx, providerID)
}

// EnvLookup reads Prefix + upper-cased provider id, with non-alphanumerics
// replaced by underscores: provider "my-openai" reads INKFLOW_KEY_MY_OPENAI.
type EnvLookup struct {
	Prefix string
}

// DefaultEnvPrefix is used when EnvLookup.Prefix is empty.
const DefaultEnvPrefix = "INKFLOW_KEY_"

func (e EnvLookup) Lookup(_ context.Context, providerID string) (string, bool, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	v, ok := os.LookupEnv(prefix + envName(providerID))
	if !ok || strings.TrimSpace(v) == "" {
		return "", false, nil
	}
	return v, true, nil
}

func envName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FileLookup reads a YAML map of provider id to key. The file is read on first
// use and cached; a missing file is an empty store.
type FileLookup struct {
	Path string

	once sync.Once
	keys map[string]string
	err  error
}

// NewFileLookup returns a lookup backed by the YAML file at path.
func NewFileLookup(path string) *FileLookup {
	return &FileLookup{Path: path}
}

func (f *FileLookup) Lookup(_ context.Context, providerID string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.keys[providerID]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (f *FileLookup) load() {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			f.keys = map[string]string{}
			return
		}
		f.err = fmt.Errorf("keyring read failed: %w", err)
		return
	}
	keys := map[string]string{}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		f.err = fmt.Errorf("keyring parse failed: %s: %w", f.Path, err)
		return
	}
	f.keys = keys
}

// Chain tries each lookup in order and returns the first hit. A read error
// stops the chain.
type Chain []Lookup

func (c Chain) Lookup(ctx context.Context, providerID string) (string, bool, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		key, ok, err := l.Lookup(ctx, providerID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return key, true, nil
		}
	}
	return "", false, nil
}

// None never resolves anything.
var None Lookup = Chain(nil)
