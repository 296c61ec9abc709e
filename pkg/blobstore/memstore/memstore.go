/*
Copyright 2014 The Camlistore Authors

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

// Package memstore is an in-memory blobstore.Store, adapted from the
// teacher's in-memory blob storage twin (a map guarded by a mutex) for
// use in tests instead of a real filesystem.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"tagrun.dev/pkg/blobstore"
)

// Store is an in-memory blobstore.Store.
type Store struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// New returns an empty in-memory blob store.
func New() *Store {
	return &Store{m: make(map[string][]byte)}
}

func (s *Store) PutUpload(ctx context.Context, data io.Reader, extension string) (string, error) {
	return s.put(data, "upload-"+uuid.NewString()+extension)
}

func (s *Store) PutScript(ctx context.Context, data io.Reader, functionID string, versionTS int64, extension string) (string, error) {
	return s.put(data, fmt.Sprintf("script-%s_%d%s", functionID, versionTS, extension))
}

func (s *Store) put(data io.Reader, handle string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[handle] = b
	return handle, nil
}

func (s *Store) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[handle]
	if !ok {
		return nil, fmt.Errorf("memstore: no such handle %q", handle)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *Store) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, handle)
	return nil
}

// NumBlobs returns the number of blobs currently stored, a convenience
// used by tests in the same spirit as the teacher's memory storage
// helper methods.
func (s *Store) NumBlobs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

var _ blobstore.Store = (*Store)(nil)
