// Package storage persists module state between restarts.
//
// Two concerns live here: whole-document module state (atomic JSON files)
// and the seen-set that deduplicates posted articles (file or sqlite
// backed).
package storage
