// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package snapshotstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
}

func TestStore_SaveLoad(t *testing.T) {
	s := New(t.TempDir(), 10)
	require.NoError(t, s.Save("trace-1", record{Name: "hello"}))

	var got record
	require.NoError(t, s.Load("trace-1", &got))
	must.Eq(t, "hello", got.Name)
}

func TestStore_RotatesPastKeep(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(idFor(i), record{Name: idFor(i)}))
		time.Sleep(2 * time.Millisecond) // ensure distinct ModTime ordering
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	must.Eq(t, 2, len(entries))

	// The two most recently written files survive; the oldest are gone.
	_, err = os.Stat(filepath.Join(dir, idFor(0)+".json"))
	must.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, idFor(4)+".json"))
	must.NoError(t, err)
}

func idFor(i int) string {
	return "id-" + string(rune('a'+i))
}
