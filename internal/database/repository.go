package database

import (
	"context"

	"github.com/npezzotti/go-realtime/internal/events"
)

type Repository interface {
	Ping() error
	FetchUpdates(ctx context.Context, kind events.Category, userId string, afterId int64, limit int) ([]UpdateRecord, error)
	LatestUpdateId(ctx context.Context, kind events.Category, userId string) (int64, error)
	Notify(ctx context.Context, channel, payload string) error
}
