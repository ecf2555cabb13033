// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongostore implements the bucket store on MongoDB. Each
// bucket maps to a collection; each object is one document carrying
// the caller's fields plus the key under _id and a store-managed etag.
// Guarded writes are expressed as selector updates on (_id, etag), so
// losing an optimistic-concurrency race is detected server-side.
package mongostore

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"

	"github.com/nodeplane/nodeplane/store"
)

var logger = loggo.GetLogger("nodeplane.store.mongostore")

// Store is a store.Store backed by a mongo database. It is safe for
// concurrent use; every operation runs on its own copy of the session.
type Store struct {
	session  *mgo.Session
	database string
}

// New returns a Store using the given session. The Store owns the
// session from here on; Close releases it.
func New(session *mgo.Session, database string) *Store {
	return &Store{session: session, database: database}
}

// DialConfig holds what Dial needs to reach a mongo deployment.
type DialConfig struct {
	Addrs    []string
	Database string
	Timeout  time.Duration
}

// Validate returns an error if the config cannot possibly work.
func (c DialConfig) Validate() error {
	if len(c.Addrs) == 0 {
		return errors.NotValidf("empty Addrs")
	}
	if c.Database == "" {
		return errors.NotValidf("empty Database")
	}
	return nil
}

// Dial connects to mongo and returns a Store over it.
func Dial(config DialConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("dialling mongo at %v", config.Addrs)
	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:   config.Addrs,
		Timeout: config.Timeout,
	})
	if err != nil {
		return nil, errors.Annotatef(store.ErrStoreUnavailable, "dialling mongo: %v", err)
	}
	session.SetMode(mgo.Strong, true)
	return New(session, config.Database), nil
}

// Close releases the underlying session.
func (s *Store) Close() {
	s.session.Close()
}

// EnsureIndex makes sure an index over the given keys exists on the
// bucket. Called once at startup for the lookups the waitlist makes.
func (s *Store) EnsureIndex(bucket string, keys ...string) error {
	err := s.run(func(db *mgo.Database) error {
		return db.C(bucket).EnsureIndex(mgo.Index{Key: keys, Background: true})
	})
	if err != nil {
		return errors.Annotatef(store.ErrStoreUnavailable, "ensuring index on %q: %v", bucket, err)
	}
	return nil
}

// envelope carries the store-managed fields of every document.
type envelope struct {
	ID   string `bson:"_id"`
	Etag string `bson:"etag"`
}

// Get is part of the store.Store interface.
func (s *Store) Get(bucket, key string) (store.Object, error) {
	var obj store.Object
	err := s.run(func(db *mgo.Database) error {
		var raw bson.Raw
		err := db.C(bucket).FindId(key).One(&raw)
		if err == mgo.ErrNotFound {
			return errors.NotFoundf("object %q in bucket %q", key, bucket)
		} else if err != nil {
			return errors.Annotatef(store.ErrStoreUnavailable, "reading %q: %v", key, err)
		}
		obj, err = objectFromRaw(raw)
		return errors.Trace(err)
	})
	if err != nil {
		return store.Object{}, errors.Trace(err)
	}
	return obj, nil
}

// Put is part of the store.Store interface.
func (s *Store) Put(bucket, key string, doc interface{}, etag string) (string, error) {
	fields, err := docFields(doc)
	if err != nil {
		return "", errors.Trace(err)
	}
	next, err := utils.NewUUID()
	if err != nil {
		return "", errors.Trace(err)
	}
	fields["_id"] = key
	fields["etag"] = next.String()

	err = s.run(func(db *mgo.Database) error {
		c := db.C(bucket)
		if etag == "" {
			if _, err := c.UpsertId(key, fields); err != nil {
				return errors.Annotatef(store.ErrStoreUnavailable, "writing %q: %v", key, err)
			}
			return nil
		}
		err := c.Update(bson.M{"_id": key, "etag": etag}, fields)
		if err == mgo.ErrNotFound {
			// Either the guard failed or the object is gone; look
			// again to report which.
			n, err := c.FindId(key).Count()
			if err != nil {
				return errors.Annotatef(store.ErrStoreUnavailable, "checking %q: %v", key, err)
			}
			if n == 0 {
				return errors.NotFoundf("object %q in bucket %q", key, bucket)
			}
			return errors.Annotatef(store.ErrVersionConflict, "object %q in bucket %q", key, bucket)
		} else if err != nil {
			return errors.Annotatef(store.ErrStoreUnavailable, "writing %q: %v", key, err)
		}
		return nil
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return next.String(), nil
}

// Delete is part of the store.Store interface.
func (s *Store) Delete(bucket, key string) error {
	return s.run(func(db *mgo.Database) error {
		err := db.C(bucket).RemoveId(key)
		if err == mgo.ErrNotFound {
			return errors.NotFoundf("object %q in bucket %q", key, bucket)
		} else if err != nil {
			return errors.Annotatef(store.ErrStoreUnavailable, "deleting %q: %v", key, err)
		}
		return nil
	})
}

// Find is part of the store.Store interface.
func (s *Store) Find(bucket string, query store.Query) ([]store.Object, error) {
	if err := query.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	sel := bson.M{}
	for name, want := range query.Filter.Equals {
		sel[name] = want
	}
	for name, wants := range query.Filter.In {
		sel[name] = bson.M{"$in": wants}
	}

	var results []store.Object
	err := s.run(func(db *mgo.Database) error {
		q := db.C(bucket).Find(sel)
		if len(query.Sort) > 0 {
			q = q.Sort(query.Sort...)
		}
		if query.Offset > 0 {
			q = q.Skip(query.Offset)
		}
		if query.Limit > 0 {
			q = q.Limit(query.Limit)
		}
		iter := q.Iter()
		var raw bson.Raw
		for iter.Next(&raw) {
			obj, err := objectFromRaw(raw)
			if err != nil {
				_ = iter.Close()
				return errors.Trace(err)
			}
			results = append(results, obj)
		}
		if err := iter.Close(); err != nil {
			return errors.Annotatef(store.ErrStoreUnavailable, "searching %q: %v", bucket, err)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return results, nil
}

// run executes f against a fresh copy of the session, so a dead socket
// on one operation never poisons another.
func (s *Store) run(f func(db *mgo.Database) error) error {
	session := s.session.Copy()
	defer session.Close()
	return f(session.DB(s.database))
}

func objectFromRaw(raw bson.Raw) (store.Object, error) {
	var env envelope
	if err := raw.Unmarshal(&env); err != nil {
		return store.Object{}, errors.Annotate(err, "decoding document envelope")
	}
	data := make([]byte, len(raw.Data))
	copy(data, raw.Data)
	return store.NewObject(env.ID, env.Etag, data), nil
}

func docFields(doc interface{}) (bson.M, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, errors.Annotate(err, "encoding document")
	}
	var fields bson.M
	if err := bson.Unmarshal(data, &fields); err != nil {
		return nil, errors.Annotate(err, "decoding document")
	}
	return fields, nil
}
