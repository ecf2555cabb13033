// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store defines the bucket store the waitlist persists into:
// string-keyed documents grouped into buckets, with optimistic
// concurrency via opaque etags. Implementations are expected to be
// safe for concurrent use; all cross-process coordination is expressed
// through guarded Put calls.
package store

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Store provides access to buckets of documents. Every mutating
// operation is durable before it returns.
type Store interface {

	// Get returns the object stored under the key, or an error
	// satisfying errors.IsNotFound.
	Get(bucket, key string) (Object, error)

	// Put writes the document under the key and returns the new etag.
	// An empty etag writes unconditionally, creating or replacing the
	// object. A non-empty etag asserts the stored version: when it no
	// longer matches, Put fails with ErrVersionConflict, and callers
	// should re-read and retry. Putting with an etag against a missing
	// object fails with errors.IsNotFound.
	Put(bucket, key string, doc interface{}, etag string) (string, error)

	// Delete removes the object stored under the key, or fails with an
	// error satisfying errors.IsNotFound.
	Delete(bucket, key string) error

	// Find returns the objects in the bucket matching the query, in
	// the query's sort order.
	Find(bucket string, query Query) ([]Object, error)
}

// Object is a stored document together with its identity and version.
type Object struct {
	// Key is the object's key within its bucket.
	Key string

	// Etag is the version the store holds for the object.
	Etag string

	data []byte
}

// NewObject wraps a bson-encoded document for return from a Store
// implementation.
func NewObject(key, etag string, data []byte) Object {
	return Object{Key: key, Etag: etag, data: data}
}

// Unmarshal decodes the stored document into out.
func (o Object) Unmarshal(out interface{}) error {
	if err := bson.Unmarshal(o.data, out); err != nil {
		return errors.Annotatef(err, "decoding object %q", o.Key)
	}
	return nil
}

// Filter selects objects by field value. A zero Filter matches
// everything. Equals and In conditions all have to hold.
type Filter struct {
	// Equals maps field names to required values.
	Equals map[string]interface{}

	// In maps field names to sets of acceptable values.
	In map[string][]interface{}
}

// Empty reports whether the filter matches every object.
func (f Filter) Empty() bool {
	return len(f.Equals) == 0 && len(f.In) == 0
}

// Query describes a Find: which objects, in what order, and how many.
type Query struct {
	// Filter selects the objects.
	Filter Filter

	// Sort lists field names in precedence order; a "-" prefix sorts
	// that field descending.
	Sort []string

	// Limit caps the number of results; zero means no cap.
	Limit int

	// Offset skips that many results before collecting.
	Offset int
}

// Validate returns an error if the query is malformed.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return errors.NotValidf("negative limit")
	}
	if q.Offset < 0 {
		return errors.NotValidf("negative offset")
	}
	for _, field := range q.Sort {
		if field == "" || field == "-" {
			return errors.NotValidf("empty sort field")
		}
	}
	return nil
}

// ErrVersionConflict is returned by Put when the supplied etag no
// longer matches the stored object. Callers should re-read to observe
// the new state before retrying.
var ErrVersionConflict = errors.New("version conflict")

// ErrStoreUnavailable indicates a transport-level failure talking to
// the store. The operation may or may not have taken effect.
var ErrStoreUnavailable = errors.New("store unavailable")

// IsVersionConflict reports whether err was caused by a lost
// optimistic-concurrency race.
func IsVersionConflict(err error) bool {
	return errors.Cause(err) == ErrVersionConflict
}

// IsStoreUnavailable reports whether err was caused by a store
// transport failure.
func IsStoreUnavailable(err error) bool {
	return errors.Cause(err) == ErrStoreUnavailable
}
