// Package mongo registers MongoDB-backed artifact storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a store.Store that persists canonical artifact documents with a
// unique kurral_id index and a run_id lookup index.
package mongo
