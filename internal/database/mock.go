package database

import (
	"context"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) FetchUpdates(ctx context.Context, kind events.Category, userId string, afterId int64, limit int) ([]UpdateRecord, error) {
	args := m.Called(ctx, kind, userId, afterId, limit)
	if recs, ok := args.Get(0).([]UpdateRecord); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) LatestUpdateId(ctx context.Context, kind events.Category, userId string) (int64, error) {
	args := m.Called(ctx, kind, userId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) Notify(ctx context.Context, channel, payload string) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}
