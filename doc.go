// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// rbd is a client library for block images stored in an object store. An
// image is a virtual disk of fixed size striped over backend objects. The
// library supports snapshots, rollback and copy-on-write clones, everything
// is done on the client side, the backend only stores named objects.
//
// The backend is reached through the store.ObjectStore interface, which can
// be trivially replaced. Implementations for S3, redis, badger and memory are
// provided.
//
// Project structure is following:
//
// - config contains configuration of the client.
//
// - store contains the backend interface and its implementations.
//
// - internal/objproxy limits concurrency of backend requests, prioritizes them
// and retries transient failures.
//
// - internal/striper maps image ranges to objects.
//
// - internal/objectmap keeps track of existing objects of exclusively opened
// images.
//
// - internal/optracker tracks operations in flight and reports slow ones.
//
// - internal/clustermap describes the cluster the client connects to.
//
// Backend objects of an image with id ID are rbd_header.ID with metadata,
// rbd_data.ID.OBJECTNO with data, rbd_data.ID.OBJECTNO@SNAPID with data
// preserved for snapshots, rbd_lock.ID and rbd_object_map.ID. Image names are
// mapped to ids by rbd_id.NAME objects.
package rbd
