package utils

import (
	"context"

	"github.com/google/uuid"
	"github.com/mmdatafocus/invoice_backend/appctx"
)

var (
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyWorkerId      = appctx.ContextKeyWorkerId
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}

// CorrelationIdOrNew returns the request's correlation id, minting one when absent.
func CorrelationIdOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ActorFromContext returns the acting user id, or nil for system actions.
func ActorFromContext(ctx context.Context) *int {
	if ctx == nil {
		return nil
	}
	if id, ok := GetUserIdFromContext(ctx); ok && id > 0 {
		return &id
	}
	return nil
}
