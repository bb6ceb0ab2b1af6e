package mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockDetector) Priority() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockDetector) IsEnabled() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockDetector) IsOptional() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockDetector) ExecutionTimeout() time.Duration {
	args := m.Called()
	d, ok := args.Get(0).(time.Duration)
	if !ok {
		return 0
	}
	return d
}

func (m *MockDetector) TriggerConditions() []detectoriface.TriggerCondition {
	args := m.Called()
	conds, ok := args.Get(0).([]detectoriface.TriggerCondition)
	if !ok && args.Get(0) != nil {
		panic(fmt.Sprintf("expected []detectoriface.TriggerCondition, got %T", args.Get(0)))
	}
	return conds
}

func (m *MockDetector) Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error) {
	args := m.Called(ctx, state)
	contribs, ok := args.Get(0).([]types.Contribution)
	if !ok && args.Get(0) != nil {
		return nil, fmt.Errorf("expected []types.Contribution, got %T", args.Get(0))
	}
	return contribs, args.Error(1)
}
