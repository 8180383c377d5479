package manufacturing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rpggio/chairside/internal/domain/manufacturing"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/gateway/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func openTracker(t *testing.T, initial []record.Record) (*manufacturing.Tracker, *mocks.Gateway) {
	t.Helper()
	gw := &mocks.Gateway{}
	gw.On("Query", mock.Anything, manufacturing.Collection, mock.Anything, mock.Anything).Return(initial, nil)
	gw.On("Subscribe", mock.Anything, manufacturing.Collection, mock.Anything).Return(nil, gateway.ErrSubscriptionUnavailable)

	tr, err := manufacturing.Open(context.Background(), gw, manufacturing.Options{LabScriptID: "ls-1"})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr, gw
}

func item(id string, stage manufacturing.Stage, cost any) record.Record {
	return record.Record{ID: id, Fields: record.Fields{
		"lab_script_id": "ls-1",
		"material":      "zirconia",
		"stage":         string(stage),
		"cost":          cost,
	}}
}

func TestTracker_Create(t *testing.T) {
	ctx := context.Background()
	tr, gw := openTracker(t, nil)
	gw.On("Insert", mock.Anything, manufacturing.Collection, record.Fields{
		"lab_script_id": "ls-1",
		"material":      "zirconia",
		"shade":         "A2",
		"stage":         "design",
		"cost":          "149.90",
	}).Return(item("m1", manufacturing.StageDesign, "149.90"), nil)

	got, err := tr.Create(ctx, manufacturing.NewItem{
		LabScriptID: "ls-1",
		Material:    " Zirconia ",
		Shade:       "A2",
		Cost:        decimal.RequireFromString("149.9"),
	})
	require.NoError(t, err)
	require.Equal(t, manufacturing.StageDesign, got.Stage)
	require.True(t, got.Cost.Equal(decimal.RequireFromString("149.90")))
	require.Len(t, tr.List(), 1)
}

func TestTracker_CreateValidation(t *testing.T) {
	tr, gw := openTracker(t, nil)

	_, err := tr.Create(context.Background(), manufacturing.NewItem{LabScriptID: "ls-1", Material: "unobtainium"})
	require.ErrorIs(t, err, manufacturing.ErrInvalidInput)

	_, err = tr.Create(context.Background(), manufacturing.NewItem{LabScriptID: "ls-1", Material: "emax", Cost: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, manufacturing.ErrInvalidInput)
	gw.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
}

func TestTracker_AdvanceThroughPipeline(t *testing.T) {
	ctx := context.Background()
	tr, gw := openTracker(t, []record.Record{item("m1", manufacturing.StageSintering, "80")})
	gw.On("Update", mock.Anything, manufacturing.Collection, "m1", mock.Anything).Return(nil)

	next, err := tr.Advance(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, manufacturing.StageFinishing, next)

	next, err = tr.Advance(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, manufacturing.StageDelivered, next)

	_, err = tr.Advance(ctx, "m1")
	require.ErrorIs(t, err, manufacturing.ErrFinalStage)

	_, err = tr.Advance(ctx, "missing")
	require.ErrorIs(t, err, manufacturing.ErrNotFound)
}

func TestTracker_CostsAreExact(t *testing.T) {
	ctx := context.Background()
	tr, gw := openTracker(t, []record.Record{
		item("m1", manufacturing.StageDesign, "0.10"),
		item("m2", manufacturing.StageDesign, "0.20"),
		item("m3", manufacturing.StageDesign, float64(1)),
	})
	require.Equal(t, "1.3", tr.TotalCost().String())

	gw.On("Update", mock.Anything, manufacturing.Collection, "m3", record.Fields{"cost": "2.00"}).Return(nil)
	require.NoError(t, tr.SetCost(ctx, "m3", decimal.NewFromInt(2)))
	require.Equal(t, "2.3", tr.TotalCost().String())

	require.ErrorIs(t, tr.SetCost(ctx, "m3", decimal.NewFromInt(-5)), manufacturing.ErrInvalidInput)
}

func TestTracker_RemoveMapsNotFound(t *testing.T) {
	tr, gw := openTracker(t, []record.Record{item("m1", manufacturing.StageDesign, "1")})
	gw.On("Delete", mock.Anything, manufacturing.Collection, "m1").Return(gateway.ErrNotFound)

	err := tr.Remove(context.Background(), "m1")
	require.ErrorIs(t, err, manufacturing.ErrNotFound)
	require.True(t, errors.Is(err, gateway.ErrNotFound))
	require.Len(t, tr.List(), 1)
}

func TestStage_Next(t *testing.T) {
	next, ok := manufacturing.StageDesign.Next()
	require.True(t, ok)
	require.Equal(t, manufacturing.StageMilling, next)

	_, ok = manufacturing.StageDelivered.Next()
	require.False(t, ok)
	_, ok = manufacturing.Stage("unknown").Next()
	require.False(t, ok)
}
