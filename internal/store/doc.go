// Package store defines the persistence contracts. Implementations live in
// the storage packages; this package must not import database drivers or
// concrete clients.
package store
