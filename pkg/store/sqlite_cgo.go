//go:build cgo

package store

// The cgo build also registers mattn/go-sqlite3 as DriverCGO.
import _ "github.com/mattn/go-sqlite3"
