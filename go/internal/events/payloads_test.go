package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
)

func TestRegisterAllClasses(t *testing.T) {
	reg := eventcodec.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Len(t, reg.Classes(), 7)

	// a second registration must not silently replace the first
	assert.ErrorIs(t, Register(reg), eventcodec.ErrDuplicateEventClass)
}

func TestOrderPaidThroughCodec(t *testing.T) {
	reg := eventcodec.NewRegistry()
	require.NoError(t, Register(reg))
	codec := eventcodec.New(reg)

	paidAt := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	evt := &eventcodec.Event{
		EventID:   "evt-1",
		EventType: TypeOrderPaid,
		TenantID:  7,
		Data:      &OrderPaidPayload{OrderID: "o-9", AmountCents: 4200, Currency: "CNY", PaidAt: paidAt},
	}

	payload, err := codec.SerializePayload(evt)
	require.NoError(t, err)
	headers, err := codec.SerializeHeaders(evt)
	require.NoError(t, err)
	assert.Equal(t, "order.OrderPaid", headers[eventcodec.HeaderEventClass])

	got, err := codec.Deserialize(payload, headers)
	require.NoError(t, err)
	paid, ok := got.Data.(*OrderPaidPayload)
	require.True(t, ok)
	assert.Equal(t, "o-9", paid.OrderID)
	assert.True(t, paidAt.Equal(paid.PaidAt))
}
