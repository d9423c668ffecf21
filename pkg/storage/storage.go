// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package storage keeps content-addressed sets of inputs on disk.
// Each artifact is one file named by the sha1 of its content and holding the raw bytes,
// so any file can be fed back to a target as is. Descriptions of an artifact
// are stored next to it as <sha1>.<type> and are not artifacts themselves.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
)

// PersistentSet is a set of binary blobs with a persistent mirror on disk.
type PersistentSet struct {
	dir string

	mu sync.Mutex
	m  map[hash.Sig][]byte
}

// Open loads all artifacts in dir, creating it if needed.
func Open(dir string) (*PersistentSet, error) {
	ps := &PersistentSet{
		dir: dir,
		m:   make(map[hash.Sig][]byte),
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", dir, err)
	}
	names, err := osutil.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", dir, err)
	}
	for _, name := range names {
		if strings.Contains(name, ".") {
			continue // description or leftover temp file
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %v: %w", name, err)
		}
		ps.m[hash.Hash(data)] = data
	}
	return ps, nil
}

// Add stores data and reports whether it was not present before.
func (ps *PersistentSet) Add(data []byte) (bool, error) {
	sig := hash.Hash(data)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.m[sig]; ok {
		return false, nil
	}
	data = append([]byte{}, data...)
	if err := osutil.WriteFile(filepath.Join(ps.dir, sig.String()), data); err != nil {
		return false, fmt.Errorf("failed to write %v: %w", sig, err)
	}
	ps.m[sig] = data
	return true, nil
}

// AddDescription stores a textual description of an artifact.
func (ps *PersistentSet) AddDescription(data, desc []byte, typ string) error {
	name := ps.Path(data) + "." + typ
	if err := osutil.WriteFile(name, desc); err != nil {
		return fmt.Errorf("failed to write %v: %w", name, err)
	}
	return nil
}

func (ps *PersistentSet) Has(data []byte) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.m[hash.Hash(data)]
	return ok
}

func (ps *PersistentSet) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.m)
}

// Path returns the file name that holds data.
func (ps *PersistentSet) Path(data []byte) string {
	return filepath.Join(ps.dir, hash.String(data))
}

// Entries returns all artifacts ordered by signature.
func (ps *PersistentSet) Entries() [][]byte {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	sigs := make([]hash.Sig, 0, len(ps.m))
	for sig := range ps.m {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].String() < sigs[j].String() })
	res := make([][]byte, len(sigs))
	for i, sig := range sigs {
		res[i] = ps.m[sig]
	}
	return res
}

// ReadDir returns the raw content of every regular file in dir.
// It is used to import seed inputs that are not named by content.
func ReadDir(dir string) ([][]byte, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var res [][]byte
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		res = append(res, data)
	}
	return res, nil
}
