// Package storagemock provides a testify mock of storage.Database.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/dersched/pkg/storage"
	"github.com/raterudder/dersched/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) SaveRun(ctx context.Context, run types.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDatabase) GetRun(ctx context.Context, id string) (types.Run, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Run), args.Error(1)
}

func (m *MockDatabase) ListRuns(ctx context.Context) ([]types.Run, error) {
	args := m.Called(ctx)
	if runs := args.Get(0); runs != nil {
		return runs.([]types.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) AppendResults(ctx context.Context, runID string, rows []types.ResultRow) error {
	args := m.Called(ctx, runID, rows)
	return args.Error(0)
}

func (m *MockDatabase) GetResults(ctx context.Context, runID string) ([]types.ResultRow, error) {
	args := m.Called(ctx, runID)
	if rows := args.Get(0); rows != nil {
		return rows.([]types.ResultRow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
