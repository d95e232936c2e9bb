package errors

import (
	"errors"
	"fmt"

	pgconnv1 "github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Diagnostics flattens an error chain plus any Postgres detail into log
// fields. It never reaches API clients.
type Diagnostics struct {
	Message    string
	Code       Code
	Chain      []string
	SQLState   string
	SQLClass   string
	Constraint string
	Table      string
	Detail     string
}

// sqlClasses names the SQLSTATE classes a ledger write can hit.
var sqlClasses = map[string]string{
	"08": "connection_exception",
	"22": "data_exception",
	"23": "integrity_constraint_violation",
	"40": "transaction_rollback",
	"53": "insufficient_resources",
	"57": "operator_intervention",
}

func Diagnose(err error) Diagnostics {
	if err == nil {
		return Diagnostics{}
	}
	d := Diagnostics{Message: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T", e))
	}

	var pgxErr *pgconn.PgError
	var pgV1Err *pgconnv1.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.SQLState, d.Constraint, d.Table, d.Detail = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.Detail
	case errors.As(err, &pgV1Err):
		d.SQLState, d.Constraint, d.Table, d.Detail = pgV1Err.Code, pgV1Err.ConstraintName, pgV1Err.TableName, pgV1Err.Detail
	case errors.As(err, &pqErr):
		d.SQLState, d.Constraint, d.Table, d.Detail = string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Detail
	}
	if len(d.SQLState) >= 2 {
		d.SQLClass = sqlClasses[d.SQLState[:2]]
	}
	return d
}

// SerializationFailure reports a 40001/40P01 abort that is safe to retry.
func (d Diagnostics) SerializationFailure() bool {
	return d.SQLState == "40001" || d.SQLState == "40P01"
}

// Fields returns the non-empty diagnostics keyed for structured logging.
func (d Diagnostics) Fields() map[string]any {
	fields := map[string]any{"error": d.Message}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	if d.SQLState != "" {
		fields["sql_state"] = d.SQLState
		fields["sql_class"] = d.SQLClass
		fields["sql_constraint"] = d.Constraint
		fields["sql_table"] = d.Table
		if d.Detail != "" {
			fields["sql_detail"] = d.Detail
		}
	}
	return fields
}
