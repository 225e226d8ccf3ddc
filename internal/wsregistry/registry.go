// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package wsregistry implements the WebSocket connection registry (C11):
// tracks active connections per channel for targeted and broadcast
// delivery, protected by a single-owner discipline (spec §5 "inserts and
// removals happen on the WS lifecycle callbacks; broadcast iterates a
// snapshot so that concurrent closes do not invalidate the loop").
package wsregistry

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-memdb"
)

// Connection is one tracked WebSocket connection.
type Connection struct {
	ID          string
	ChannelPath string
	PluginID    string
	Conn        *websocket.Conn
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"connection": {
				Name: "connection",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"channel": {
						Name:    "channel",
						Indexer: &memdb.StringFieldIndex{Field: "ChannelPath"},
					},
				},
			},
		},
	}
}

// Registry owns the connection table; the WS host adapter is its single
// writer (spec §5 single-owner discipline).
type Registry struct {
	mu sync.Mutex // serializes writes; reads use memdb's own snapshot isolation
	db *memdb.MemDB
}

// New constructs an empty registry.
func New() *Registry {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		panic(fmt.Sprintf("wsregistry: invalid schema: %v", err))
	}
	return &Registry{db: db}
}

// Register tracks a newly established connection, called from the WS
// host adapter's "connect" lifecycle callback.
func (r *Registry) Register(c Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("connection", &c); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Remove untracks a connection by id, called from the WS host adapter's
// "disconnect" lifecycle callback.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First("connection", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := txn.Delete("connection", existing); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get looks up a single connection by id, for targeted delivery.
func (r *Registry) Get(id string) (Connection, bool) {
	txn := r.db.Txn(false)
	raw, err := txn.First("connection", "id", id)
	if err != nil || raw == nil {
		return Connection{}, false
	}
	return *raw.(*Connection), true
}

// Snapshot returns every connection registered on channelPath. Broadcast
// callers iterate this slice rather than a live cursor, so a connection
// closing mid-broadcast (removed by a concurrent Remove) cannot invalidate
// the iteration (spec §5).
func (r *Registry) Snapshot(channelPath string) []Connection {
	txn := r.db.Txn(false)
	it, err := txn.Get("connection", "channel", channelPath)
	if err != nil {
		return nil
	}
	var out []Connection
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*Connection))
	}
	return out
}

// Broadcast sends payload to every connection on channelPath, collecting
// (rather than aborting on) per-connection write failures so one dead peer
// never blocks delivery to the rest.
func (r *Registry) Broadcast(channelPath string, payload []byte) []error {
	var errs []error
	for _, c := range r.Snapshot(channelPath) {
		if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			errs = append(errs, fmt.Errorf("wsregistry: connection %s: %w", c.ID, err))
		}
	}
	return errs
}

// Count returns the number of connections tracked on channelPath.
func (r *Registry) Count(channelPath string) int {
	return len(r.Snapshot(channelPath))
}
