/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package localdisk stores upload and script blobs as flat files on the
// local filesystem. It is adapted from the teacher's sharded,
// content-hash-addressed disk storage, collapsed down to the flat
// uuid-handle scheme this engine's blob store needs: no directory
// sharding, no generation tracking, no enumeration.
package localdisk

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"tagrun.dev/pkg/blobstore"
)

// Storage is a local-filesystem blobstore.Store. uploadsDir and
// scriptsDir are created at construction time if absent.
type Storage struct {
	uploadsDir string
	scriptsDir string
}

// New returns a Storage rooted at uploadsDir/scriptsDir, creating both
// directories if they do not already exist.
func New(uploadsDir, scriptsDir string) (*Storage, error) {
	for _, dir := range []string{uploadsDir, scriptsDir} {
		fi, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("localdisk: creating %q: %w", dir, err)
			}
		case err != nil:
			return nil, fmt.Errorf("localdisk: stat %q: %w", dir, err)
		case !fi.IsDir():
			return nil, fmt.Errorf("localdisk: %q is not a directory", dir)
		}
	}
	return &Storage{uploadsDir: uploadsDir, scriptsDir: scriptsDir}, nil
}

func (s *Storage) PutUpload(ctx context.Context, data io.Reader, extension string) (string, error) {
	name := uuid.NewString() + extension
	if err := writeAtomic(s.uploadsDir, name, data); err != nil {
		return "", err
	}
	return filepath.Join("uploads", name), nil
}

func (s *Storage) PutScript(ctx context.Context, data io.Reader, functionID string, versionTS int64, extension string) (string, error) {
	name := fmt.Sprintf("%s_%d%s", functionID, versionTS, extension)
	if err := writeAtomic(s.scriptsDir, name, data); err != nil {
		return "", err
	}
	return filepath.Join("scripts", name), nil
}

func (s *Storage) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	f, err := os.Open(s.resolve(handle))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("localdisk: open %q: %w", handle, os.ErrNotExist)
	}
	return f, err
}

func (s *Storage) Delete(ctx context.Context, handle string) error {
	err := os.Remove(s.resolve(handle))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// resolve maps a "uploads/<name>" or "scripts/<name>" handle to its
// absolute path, given the two configured roots.
func (s *Storage) resolve(handle string) string {
	dir, name := filepath.Split(handle)
	switch filepath.Clean(dir) {
	case "uploads":
		return filepath.Join(s.uploadsDir, name)
	case "scripts":
		return filepath.Join(s.scriptsDir, name)
	default:
		return filepath.Join(s.uploadsDir, handle)
	}
}

// writeAtomic writes data to dir/name via a temp file, fsync, and
// rename, grounded on the teacher's localdisk.ReceiveBlob sequence
// (minus the hash verification and mirror-partition steps, which apply
// only to content-addressed blobs).
func writeAtomic(dir, name string, data io.Reader) (err error) {
	tmp, err := ioutil.TempFile(dir, name+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	success = true
	return nil
}

var _ blobstore.Store = (*Storage)(nil)
