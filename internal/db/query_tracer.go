package db

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const maxStatementLength = 512

var statementTablePattern = regexp.MustCompile(`(?i)\b(?:from|into|update|join)\s+([a-z_][a-z0-9_]*)`)

// queryScope names the store operation a query runs for and the order it
// touches. Stores attach it with scopeQueries before issuing SQL.
type queryScope struct {
	operation   string
	orderID     uuid.UUID
	orderNumber string
	gateway     string
}

type queryScopeKey struct{}

type querySpanKey struct{}

func scopeQueries(ctx context.Context, scope queryScope) context.Context {
	return context.WithValue(ctx, queryScopeKey{}, scope)
}

func scopeFromContext(ctx context.Context) (queryScope, bool) {
	scope, ok := ctx.Value(queryScopeKey{}).(queryScope)
	return scope, ok
}

// queryTracer turns each statement into a Sentry span under the current
// request. Spans are named after the store operation, so a checkout trace
// reads orders.create -> coupons.lock rather than a list of SQL strings.
type queryTracer struct{}

func newQueryTracer() *queryTracer {
	return &queryTracer{}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}

	statement := statementText(data.SQL)
	scope, scoped := scopeFromContext(ctx)
	description := statement
	if scoped && scope.operation != "" {
		description = scope.operation
	}

	span := sentry.StartSpan(
		ctx,
		"db.query",
		sentry.WithDescription(description),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	span.SetData("db.statement", statement)
	if operation := statementOperation(statement); operation != "" {
		span.SetData("db.operation", operation)
	}
	if table := statementTable(statement); table != "" {
		span.SetData("db.sql.table", table)
	}
	if strings.Contains(strings.ToUpper(statement), "FOR UPDATE") {
		span.SetData("db.row_lock", true)
	}
	if scoped {
		if scope.orderID != uuid.Nil {
			span.SetData("order.id", scope.orderID.String())
		}
		if scope.orderNumber != "" {
			span.SetData("order.number", scope.orderNumber)
		}
		if scope.gateway != "" {
			span.SetData("payment.gateway", scope.gateway)
		}
	}

	return context.WithValue(span.Context(), querySpanKey{}, span)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, _ := ctx.Value(querySpanKey{}).(*sentry.Span)
	if span == nil {
		return
	}

	span.Status = spanStatus(data.Err)
	if data.Err != nil {
		span.SetData("db.error", data.Err.Error())
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			span.SetData("db.sqlstate", pgErr.Code)
			if pgErr.ConstraintName != "" {
				span.SetData("db.constraint", pgErr.ConstraintName)
			}
		}
	}
	if rows := data.CommandTag.RowsAffected(); rows >= 0 {
		span.SetData("db.rows_affected", rows)
	}

	span.Finish()
}

// spanStatus separates the outcomes the stores expect (a missing order, a
// duplicate order number, a totals CHECK violation, a lock conflict) from
// real failures.
func spanStatus(err error) sentry.SpanStatus {
	if err == nil {
		return sentry.SpanStatusOK
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return sentry.SpanStatusNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return sentry.SpanStatusAlreadyExists
		case "23514", "23503":
			return sentry.SpanStatusFailedPrecondition
		case "40001", "40P01", "55P03":
			return sentry.SpanStatusAborted
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sentry.SpanStatusDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return sentry.SpanStatusCanceled
	}
	return sentry.SpanStatusInternalError
}

func statementText(sql string) string {
	text := strings.Join(strings.Fields(sql), " ")
	if text == "" {
		return "sql.query"
	}
	if len(text) > maxStatementLength {
		return text[:maxStatementLength]
	}
	return text
}

func statementOperation(statement string) string {
	verb, _, _ := strings.Cut(statement, " ")
	return strings.ToUpper(verb)
}

func statementTable(statement string) string {
	match := statementTablePattern.FindStringSubmatch(statement)
	if len(match) < 2 {
		return ""
	}
	return strings.ToLower(match[1])
}
