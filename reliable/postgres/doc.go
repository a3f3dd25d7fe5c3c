// Package postgres provides the PostgreSQL connection hub used by the
// storage-backed components: primary/replica resolution, pooling defaults
// and schema migrations on connect.
package postgres
