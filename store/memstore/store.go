// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstore implements the bucket store in process memory.
// It backs the dev/test store mode and the bulk of the waitlist test
// suites; semantics match the mongo-backed store, including etag
// behaviour.
package memstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/nodeplane/nodeplane/store"
)

// Store is an in-memory bucket store. The zero value is not useful;
// call New.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*record
	seq     uint64
}

// record keeps the bson encoding for handing back to callers, and the
// decoded fields for filtering and sorting.
type record struct {
	key    string
	data   []byte
	fields map[string]interface{}
	etag   string
}

// New returns an empty Store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string]*record)}
}

// Get is part of the store.Store interface.
func (s *Store) Get(bucket, key string) (store.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.buckets[bucket][key]
	if !ok {
		return store.Object{}, errors.NotFoundf("object %q in bucket %q", key, bucket)
	}
	return store.NewObject(key, rec.etag, rec.data), nil
}

// Put is part of the store.Store interface.
func (s *Store) Put(bucket, key string, doc interface{}, etag string) (string, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return "", errors.Annotatef(err, "encoding object %q", key)
	}
	var fields map[string]interface{}
	if err := bson.Unmarshal(data, &fields); err != nil {
		return "", errors.Annotatef(err, "decoding object %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucket]
	if b == nil {
		b = make(map[string]*record)
		s.buckets[bucket] = b
	}
	rec, ok := b[key]
	if etag != "" {
		if !ok {
			return "", errors.NotFoundf("object %q in bucket %q", key, bucket)
		}
		if rec.etag != etag {
			return "", errors.Annotatef(store.ErrVersionConflict, "object %q in bucket %q", key, bucket)
		}
	}
	s.seq++
	next := fmt.Sprintf("%08x", s.seq)
	b[key] = &record{key: key, data: data, fields: fields, etag: next}
	return next, nil
}

// Delete is part of the store.Store interface.
func (s *Store) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket][key]; !ok {
		return errors.NotFoundf("object %q in bucket %q", key, bucket)
	}
	delete(s.buckets[bucket], key)
	return nil
}

// Find is part of the store.Store interface.
func (s *Store) Find(bucket string, query store.Query) ([]store.Object, error) {
	if err := query.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	s.mu.RLock()
	var recs []*record
	for _, rec := range s.buckets[bucket] {
		if matches(rec.fields, query.Filter) {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		for _, field := range query.Sort {
			name := strings.TrimPrefix(field, "-")
			c := compareValues(recs[i].fields[name], recs[j].fields[name])
			if c == 0 {
				continue
			}
			if strings.HasPrefix(field, "-") {
				return c > 0
			}
			return c < 0
		}
		return recs[i].key < recs[j].key
	})

	if query.Offset > 0 {
		if query.Offset >= len(recs) {
			recs = nil
		} else {
			recs = recs[query.Offset:]
		}
	}
	if query.Limit > 0 && len(recs) > query.Limit {
		recs = recs[:query.Limit]
	}

	results := make([]store.Object, len(recs))
	for i, rec := range recs {
		results[i] = store.NewObject(rec.key, rec.etag, rec.data)
	}
	return results, nil
}

func matches(fields map[string]interface{}, filter store.Filter) bool {
	for name, want := range filter.Equals {
		if !valueEqual(fields[name], want) {
			return false
		}
	}
	for name, wants := range filter.In {
		found := false
		for _, want := range wants {
			if valueEqual(fields[name], want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// compareValues orders two field values of the same bson type. Values
// of differing types fall back to string comparison; missing values
// sort first.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	av, bv := normalize(a), normalize(b)
	switch an := av.(type) {
	case int64:
		if bn, ok := bv.(int64); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	case float64:
		if bn, ok := bv.(float64); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	case string:
		if bn, ok := bv.(string); ok {
			return strings.Compare(an, bn)
		}
	}
	return strings.Compare(fmt.Sprint(av), fmt.Sprint(bv))
}

// normalize maps the integer widths bson can hand back onto int64 so
// comparisons don't depend on encoding detail.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	}
	return v
}
