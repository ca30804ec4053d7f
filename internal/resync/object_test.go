package resync

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"reflect"
	"testing"

	restate "github.com/restatedev/sdk-go"
	"github.com/restatedev/sdk-go/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
)

type stubPipeline struct {
	res    reconcile.Result
	err    error
	events []notification.Event
}

func (s *stubPipeline) Handle(_ context.Context, ev notification.Event) (reconcile.Result, error) {
	s.events = append(s.events, ev)
	return s.res, s.err
}

type runContext struct{ context.Context }

func (runContext) Log() *slog.Logger         { return slog.Default() }
func (runContext) Request() *restate.Request { return &restate.Request{} }

// interceptRun executes Run closures inline and copies their result into the
// output pointer, recording the closure error for the test to inspect.
func interceptRun(t *testing.T, mockCtx *mocks.MockContext, runErr *error) {
	respond := func(args mock.Arguments) {
		fn := args[0].(func(restate.RunContext) (any, error))
		result, err := fn(runContext{Context: context.Background()})
		*runErr = err
		if err != nil || result == nil {
			return
		}
		out := reflect.ValueOf(args[1])
		if out.Kind() == reflect.Ptr && !out.IsNil() && out.Elem().Type() == reflect.TypeOf(result) {
			out.Elem().Set(reflect.ValueOf(result))
		}
	}
	mockCtx.On("Run", mock.Anything, mock.Anything).Maybe().Run(respond).Return(nil)
}

func TestResyncApproved(t *testing.T) {
	pipeline := &stubPipeline{res: reconcile.Result{
		Outcome:    reconcile.OutcomeApproved,
		PaymentID:  "123",
		OrderID:    "o-1",
		Status:     order.StatusApproved,
		Transition: &order.Transition{PreviousStatus: order.StatusPending},
		Effects:    &reconcile.ApplyReport{Applied: true, CartCleared: true},
	}}
	p := New(pipeline, log.New(io.Discard, "", 0))

	mockCtx := mocks.NewMockContext(t)
	mockCtx.EXPECT().Key().Return("123")
	var runErr error
	interceptRun(t, mockCtx, &runErr)
	mockCtx.EXPECT().Set("last_result", mock.Anything)

	resp, err := p.Resync(restate.WithMockContext(mockCtx), Request{})
	require.NoError(t, err)
	require.NoError(t, runErr)
	assert.Equal(t, Response{
		PaymentID:      "123",
		Outcome:        "approved",
		OrderID:        "o-1",
		Status:         order.StatusApproved,
		PreviousStatus: order.StatusPending,
		EffectsApplied: true,
	}, resp)
	assert.Equal(t, []notification.Event{notification.Payment("123")}, pipeline.events)
}

func TestResyncPaymentNotFoundIsFinal(t *testing.T) {
	pipeline := &stubPipeline{err: fetch.ErrPaymentNotFound}
	p := New(pipeline, log.New(io.Discard, "", 0))

	mockCtx := mocks.NewMockContext(t)
	mockCtx.EXPECT().Key().Return("404")
	var runErr error
	interceptRun(t, mockCtx, &runErr)
	mockCtx.EXPECT().Set("last_result", mock.Anything)

	resp, err := p.Resync(restate.WithMockContext(mockCtx), Request{})
	require.NoError(t, err)
	assert.NoError(t, runErr)
	assert.Equal(t, OutcomePaymentNotFound, resp.Outcome)
}

func TestRunSurfacesTransientFailures(t *testing.T) {
	pipeline := &stubPipeline{err: errors.Join(gateway.ErrGatewayUnavailable, errors.New("503"))}
	p := New(pipeline, log.New(io.Discard, "", 0))

	_, err := p.run(context.Background(), "9")
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
}

func TestToResponseWithoutTransition(t *testing.T) {
	resp := toResponse("7", reconcile.Result{Outcome: reconcile.OutcomeUncorrelated, PaymentID: "7"})
	assert.Equal(t, Response{PaymentID: "7", Outcome: string(reconcile.OutcomeUncorrelated)}, resp)
}
