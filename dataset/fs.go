package dataset

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const zipSep = ".zip@"

// splitZip splits "dir/a.zip@inner/path" into the archive and the inner
// path.
func splitZip(p string) (archive, inner string, ok bool) {
	i := strings.Index(p, zipSep)
	if i < 0 {
		return "", "", false
	}
	archive = p[:i+len(".zip")]
	inner = strings.Trim(p[i+len(zipSep):], "/")
	return archive, inner, true
}

// joinPath joins elements of a file system or zip path.
func joinPath(elem ...string) string {
	for i, e := range elem {
		if strings.Contains(e, zipSep) {
			rest := path.Join(elem[i+1:]...)
			if rest == "" {
				return filepath.Join(append(elem[:i], e)...)
			}
			return filepath.Join(append(elem[:i], e)...) + "/" + rest
		}
	}
	return filepath.Join(elem...)
}

// fileSystem reads plain files and, when zip is set, files inside zip
// archives addressed as "archive.zip@inner/path". Archives stay open until
// Close.
type fileSystem struct {
	zip bool

	mu       sync.Mutex
	archives map[string]*zip.ReadCloser
}

func newFileSystem(useZip bool) *fileSystem {
	return &fileSystem{zip: useZip, archives: make(map[string]*zip.ReadCloser)}
}

func (fs *fileSystem) archive(name string) (*zip.ReadCloser, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if r, ok := fs.archives[name]; ok {
		return r, nil
	}
	r, err := zip.OpenReader(name)
	if err != nil {
		return nil, err
	}
	fs.archives[name] = r
	return r, nil
}

func (fs *fileSystem) resolve(p string) (archive, inner string, ok bool) {
	if !fs.zip {
		return "", "", false
	}
	return splitZip(p)
}

// list returns the names of the regular files directly under dir, sorted.
func (fs *fileSystem) list(dir string) ([]string, error) {
	archive, inner, ok := fs.resolve(dir)
	if !ok {
		infos, err := ioutil.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, fi := range infos {
			if !fi.IsDir() {
				names = append(names, fi.Name())
			}
		}
		return names, nil
	}

	r, err := fs.archive(archive)
	if err != nil {
		return nil, err
	}
	prefix := inner + "/"
	if inner == "" {
		prefix = ""
	}
	var names []string
	for _, f := range r.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *fileSystem) exists(p string) bool {
	archive, inner, ok := fs.resolve(p)
	if !ok {
		fi, err := os.Stat(p)
		return err == nil && !fi.IsDir()
	}
	r, err := fs.archive(archive)
	if err != nil {
		return false
	}
	for _, f := range r.File {
		if f.Name == inner {
			return true
		}
	}
	return false
}

// readFile returns the content of p.
func (fs *fileSystem) readFile(p string) ([]byte, error) {
	archive, inner, ok := fs.resolve(p)
	if !ok {
		return ioutil.ReadFile(p)
	}
	r, err := fs.archive(archive)
	if err != nil {
		return nil, err
	}
	for _, f := range r.File {
		if f.Name != inner {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, rc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%s: file not found in %s", inner, archive)
}

// Close closes every open archive.
func (fs *fileSystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	for name, r := range fs.archives {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(fs.archives, name)
	}
	return firstErr
}
