package database

import (
	"context"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// DBConnection defines the interface for a managed database connection.
// Stores run driver calls through WithConnection so that a dropped socket
// is reconnected and the call retried. Non-idempotent writes use
// WithConnectionOnce instead.
type DBConnection interface {
	DB() (*surrealdb.DB, error)
	WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error
	WithConnectionOnce(ctx context.Context, fn func(*surrealdb.DB) error) error
	OnReconnect(fn func())
	Close(ctx context.Context) error
	IsHealthy() bool
	StartMonitoring()
	Connect(ctx context.Context) error
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
}

// Table names.
const (
	messageTable      = "message"
	conversationTable = "conversation"
)
