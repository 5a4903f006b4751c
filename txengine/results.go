package txengine

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ResultBackend receives finished executions. The engine never reads results
// back; persistence is owned by an external store.
type ResultBackend interface {
	StoreExecution(ctx context.Context, req *TransactionRequest, res *ExecutionResult) error
	Close() error
}

type dbExecution struct {
	Chain      string         `db:"chain"`
	Sender     []byte         `db:"sender"`
	TxHash     []byte         `db:"tx_hash"`
	Success    bool           `db:"success"`
	ExecError  sql.NullString `db:"exec_error"`
	GasUsed    int64          `db:"gas_used"`
	GasCostWei sql.NullString `db:"gas_cost_wei"`
	LatencyMs  int64          `db:"latency_ms"`
	InsertedAt time.Time      `db:"inserted_at"`
}

var insertExecutionQuery = `
INSERT INTO execution (chain, sender, tx_hash, success, exec_error, gas_used, gas_cost_wei, latency_ms, inserted_at)
VALUES (:chain, :sender, :tx_hash, :success, :exec_error, :gas_used, :gas_cost_wei, :latency_ms, :inserted_at)`

// DBBackend hands execution results to Postgres.
type DBBackend struct {
	db *sqlx.DB
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	return &DBBackend{db: db}, nil
}

func (b *DBBackend) StoreExecution(ctx context.Context, req *TransactionRequest, res *ExecutionResult) error {
	row := dbExecution{
		Chain:      string(req.Chain),
		Sender:     req.From.Bytes(),
		TxHash:     res.TxHash.Bytes(),
		Success:    res.Success,
		GasUsed:    int64(res.GasUsed),
		LatencyMs:  res.Latency.Milliseconds(),
		InsertedAt: time.Now().UTC(),
	}
	if res.Err != nil {
		row.ExecError = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	if res.GasCost != nil {
		row.GasCostWei = sql.NullString{String: res.GasCost.String(), Valid: true}
	}
	_, err := b.db.NamedExecContext(ctx, insertExecutionQuery, row)
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
