// Package storage provides the GORM-backed job store.
//
// GormStorage implements core.Storage on any dialect GORM supports; the
// claim path adds FOR UPDATE SKIP LOCKED on PostgreSQL. ConfigurePool and
// its presets tune the shared *sql.DB.
package storage
