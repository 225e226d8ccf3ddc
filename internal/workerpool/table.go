// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package workerpool

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// newWorkerSchema builds the indexed in-memory worker table: by id (unique),
// by state (for picking an idle worker), and by plugin (the plugin a worker
// was spawned for; the pool does not query this index, and the per-plugin
// concurrency cap is tracked in Pool.inFlight).
func newWorkerSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"worker": {
				Name: "worker",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					"plugin": {
						Name:    "plugin",
						Indexer: &memdb.StringFieldIndex{Field: "PluginID"},
					},
				},
			},
		},
	}
}

func newWorkerDB() *memdb.MemDB {
	db, err := memdb.NewMemDB(newWorkerSchema())
	if err != nil {
		// Schema is a compile-time constant; a failure here means the schema
		// itself is malformed, which is a programming error, not a runtime one.
		panic(fmt.Sprintf("workerpool: invalid worker schema: %v", err))
	}
	return db
}

func insertWorker(db *memdb.MemDB, w structs.Worker) error {
	txn := db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("worker", &w); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func updateWorker(db *memdb.MemDB, w structs.Worker) error {
	return insertWorker(db, w) // memdb Insert on a unique index upserts
}

func deleteWorker(db *memdb.MemDB, id string) error {
	txn := db.Txn(true)
	defer txn.Abort()
	w, err := txn.First("worker", "id", id)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	if err := txn.Delete("worker", w); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func getWorker(db *memdb.MemDB, id string) (*structs.Worker, bool) {
	txn := db.Txn(false)
	raw, err := txn.First("worker", "id", id)
	if err != nil || raw == nil {
		return nil, false
	}
	w := raw.(*structs.Worker)
	return w, true
}

func listWorkersByState(db *memdb.MemDB, state structs.WorkerState) []*structs.Worker {
	txn := db.Txn(false)
	it, err := txn.Get("worker", "state", string(state))
	if err != nil {
		return nil
	}
	var out []*structs.Worker
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Worker))
	}
	return out
}

func listAllWorkers(db *memdb.MemDB) []*structs.Worker {
	txn := db.Txn(false)
	it, err := txn.Get("worker", "id")
	if err != nil {
		return nil
	}
	var out []*structs.Worker
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Worker))
	}
	return out
}

func countWorkers(db *memdb.MemDB) int {
	return len(listAllWorkers(db))
}
