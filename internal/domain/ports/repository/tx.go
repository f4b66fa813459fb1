package repository

import "context"

// Tx is an opaque transaction handle. Its concrete type is infra-defined
// (pgx.Tx for Postgres, *sql.Tx for SQLite). Repositories MUST accept nil
// and fall back to a non-transactional path.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside a storage transaction and passes the
// handle via tx. If fn returns an error the transaction is rolled back.
//
// USAGE
//
//	tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
//		n, err := codes.ExpireOverdue(ctx, tx, now)
//		...
//		return err
//	})
type TransactionManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
