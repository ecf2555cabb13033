// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package memstore_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/nodeplane/nodeplane/store"
	"github.com/nodeplane/nodeplane/store/memstore"
)

type StoreSuite struct {
	testing.IsolationSuite
	store *memstore.Store
}

var _ = gc.Suite(&StoreSuite{})

type testDoc struct {
	UUID    string `bson:"uuid"`
	Server  string `bson:"server_uuid"`
	Status  string `bson:"status"`
	Created int64  `bson:"created_at"`
}

func (s *StoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = memstore.New()
}

func (s *StoreSuite) put(c *gc.C, doc testDoc) string {
	etag, err := s.store.Put("tickets", doc.UUID, doc, "")
	c.Assert(err, jc.ErrorIsNil)
	return etag
}

func (s *StoreSuite) TestPutGetRoundTrip(c *gc.C) {
	doc := testDoc{UUID: "t1", Server: "s1", Status: "queued", Created: 100}
	etag := s.put(c, doc)
	c.Assert(etag, gc.Not(gc.Equals), "")

	obj, err := s.store.Get("tickets", "t1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(obj.Key, gc.Equals, "t1")
	c.Check(obj.Etag, gc.Equals, etag)

	var out testDoc
	c.Assert(obj.Unmarshal(&out), jc.ErrorIsNil)
	c.Check(out, jc.DeepEquals, doc)
}

func (s *StoreSuite) TestGetMissing(c *gc.C) {
	_, err := s.store.Get("tickets", "nope")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *StoreSuite) TestPutUnconditionalReplaces(c *gc.C) {
	first := s.put(c, testDoc{UUID: "t1", Status: "queued"})
	second := s.put(c, testDoc{UUID: "t1", Status: "active"})
	c.Assert(second, gc.Not(gc.Equals), first)

	obj, err := s.store.Get("tickets", "t1")
	c.Assert(err, jc.ErrorIsNil)
	var out testDoc
	c.Assert(obj.Unmarshal(&out), jc.ErrorIsNil)
	c.Check(out.Status, gc.Equals, "active")
}

func (s *StoreSuite) TestPutGuarded(c *gc.C) {
	etag := s.put(c, testDoc{UUID: "t1", Status: "queued"})

	next, err := s.store.Put("tickets", "t1", testDoc{UUID: "t1", Status: "active"}, etag)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(next, gc.Not(gc.Equals), etag)
}

func (s *StoreSuite) TestPutGuardedConflict(c *gc.C) {
	etag := s.put(c, testDoc{UUID: "t1", Status: "queued"})
	s.put(c, testDoc{UUID: "t1", Status: "active"})

	_, err := s.store.Put("tickets", "t1", testDoc{UUID: "t1", Status: "finished"}, etag)
	c.Assert(err, jc.Satisfies, store.IsVersionConflict)

	// The conflicting write must not have taken effect.
	obj, err := s.store.Get("tickets", "t1")
	c.Assert(err, jc.ErrorIsNil)
	var out testDoc
	c.Assert(obj.Unmarshal(&out), jc.ErrorIsNil)
	c.Check(out.Status, gc.Equals, "active")
}

func (s *StoreSuite) TestPutGuardedMissing(c *gc.C) {
	_, err := s.store.Put("tickets", "nope", testDoc{UUID: "nope"}, "00000001")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *StoreSuite) TestDelete(c *gc.C) {
	s.put(c, testDoc{UUID: "t1"})
	c.Assert(s.store.Delete("tickets", "t1"), jc.ErrorIsNil)
	_, err := s.store.Get("tickets", "t1")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *StoreSuite) TestDeleteMissing(c *gc.C) {
	err := s.store.Delete("tickets", "nope")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *StoreSuite) TestBucketsAreIsolated(c *gc.C) {
	s.put(c, testDoc{UUID: "t1", Status: "queued"})
	_, err := s.store.Get("other", "t1")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *StoreSuite) seedFleet(c *gc.C) {
	for _, doc := range []testDoc{
		{UUID: "t1", Server: "s1", Status: "queued", Created: 300},
		{UUID: "t2", Server: "s1", Status: "active", Created: 100},
		{UUID: "t3", Server: "s2", Status: "queued", Created: 200},
		{UUID: "t4", Server: "s1", Status: "finished", Created: 400},
	} {
		s.put(c, doc)
	}
}

func (s *StoreSuite) findUUIDs(c *gc.C, query store.Query) []string {
	objs, err := s.store.Find("tickets", query)
	c.Assert(err, jc.ErrorIsNil)
	uuids := make([]string, len(objs))
	for i, obj := range objs {
		var out testDoc
		c.Assert(obj.Unmarshal(&out), jc.ErrorIsNil)
		uuids[i] = out.UUID
	}
	return uuids
}

func (s *StoreSuite) TestFindFilterEquals(c *gc.C) {
	s.seedFleet(c)
	uuids := s.findUUIDs(c, store.Query{
		Filter: store.Filter{Equals: map[string]interface{}{"server_uuid": "s1"}},
		Sort:   []string{"created_at"},
	})
	c.Check(uuids, jc.DeepEquals, []string{"t2", "t1", "t4"})
}

func (s *StoreSuite) TestFindFilterIn(c *gc.C) {
	s.seedFleet(c)
	uuids := s.findUUIDs(c, store.Query{
		Filter: store.Filter{
			Equals: map[string]interface{}{"server_uuid": "s1"},
			In:     map[string][]interface{}{"status": {"queued", "active"}},
		},
		Sort: []string{"created_at"},
	})
	c.Check(uuids, jc.DeepEquals, []string{"t2", "t1"})
}

func (s *StoreSuite) TestFindSortDescending(c *gc.C) {
	s.seedFleet(c)
	uuids := s.findUUIDs(c, store.Query{Sort: []string{"-created_at"}})
	c.Check(uuids, jc.DeepEquals, []string{"t4", "t1", "t3", "t2"})
}

func (s *StoreSuite) TestFindSortTieBreak(c *gc.C) {
	s.put(c, testDoc{UUID: "a2", Created: 500})
	s.put(c, testDoc{UUID: "a1", Created: 500})
	uuids := s.findUUIDs(c, store.Query{Sort: []string{"created_at", "uuid"}})
	c.Check(uuids, jc.DeepEquals, []string{"a1", "a2"})
}

func (s *StoreSuite) TestFindLimitOffset(c *gc.C) {
	s.seedFleet(c)
	base := store.Query{Sort: []string{"created_at"}}

	limited := base
	limited.Limit = 2
	c.Check(s.findUUIDs(c, limited), jc.DeepEquals, []string{"t2", "t3"})

	offset := base
	offset.Offset = 2
	c.Check(s.findUUIDs(c, offset), jc.DeepEquals, []string{"t1", "t4"})

	past := base
	past.Offset = 10
	c.Check(s.findUUIDs(c, past), gc.HasLen, 0)
}

func (s *StoreSuite) TestFindEmptyBucket(c *gc.C) {
	objs, err := s.store.Find("tickets", store.Query{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(objs, gc.HasLen, 0)
}

func (s *StoreSuite) TestFindRejectsNegativeLimit(c *gc.C) {
	_, err := s.store.Find("tickets", store.Query{Limit: -1})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}
