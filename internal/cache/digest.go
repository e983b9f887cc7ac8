package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/me/gowdl/pkg/value"
)

// DigestMode selects how File and Directory inputs contribute to a key.
type DigestMode string

const (
	// Strong hashes file contents.
	Strong DigestMode = "strong"
	// Weak hashes path, size and modification time only.
	Weak DigestMode = "weak"
)

// Digester computes call cache keys. Strong file digests are memoized by
// path, size and modification time.
type Digester struct {
	Mode DigestMode
	memo sync.Map
}

// NewDigester creates a digester; an empty mode is Strong.
func NewDigester(mode DigestMode) *Digester {
	if mode == "" {
		mode = Strong
	}
	return &Digester{Mode: mode}
}

// Key derives the cache key of a task invocation from the task body digest,
// the resolved inputs and the container reference.
func (d *Digester) Key(taskDigest string, inputs map[string]value.Value, container string) (string, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	digested := make(map[string]any, len(inputs))
	for _, name := range names {
		v, err := value.MapPaths(inputs[name], func(kind value.Kind, p string) (string, error) {
			return d.path(kind, p)
		})
		if err != nil {
			return "", fmt.Errorf("digest input %s: %w", name, err)
		}
		digested[name] = map[string]any{
			"type":  inputs[name].Type().String(),
			"value": value.Export(v),
		}
	}

	canon, err := json.Marshal(map[string]any{
		"task":      taskDigest,
		"container": container,
		"mode":      string(d.Mode),
		"inputs":    digested,
	})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func (d *Digester) path(kind value.Kind, loc string) (string, error) {
	if value.IsRemote(loc) {
		return "uri:" + loc, nil
	}
	_, p := value.ParseLocation(loc)
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if d.Mode == Weak {
		return weakDigest(p, fi), nil
	}

	memoKey := weakDigest(p, fi)
	if sum, ok := d.memo.Load(memoKey); ok {
		return sum.(string), nil
	}
	var sum string
	if kind == value.KindDirectory || fi.IsDir() {
		sum, err = dirDigest(p)
	} else {
		sum, err = fileDigest(p)
	}
	if err != nil {
		return "", err
	}
	d.memo.Store(memoKey, sum)
	return sum, nil
}

func weakDigest(p string, fi fs.FileInfo) string {
	return fmt.Sprintf("weak:%s:%d:%d", p, fi.Size(), fi.ModTime().UnixNano())
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// dirDigest hashes the relative paths and contents of every regular file
// below root, in lexical order.
func dirDigest(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		sum, err := fileDigest(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\n", filepath.ToSlash(rel), sum)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash directory %s: %w", root, err)
	}
	return "sha256-tree:" + hex.EncodeToString(h.Sum(nil)), nil
}
