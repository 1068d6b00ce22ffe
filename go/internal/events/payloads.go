package events

import (
	"time"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
)

// Event types carried in the outbox event_type column.
const (
	TypeOrderCreated      = "ORDER_CREATED"
	TypeOrderPaid         = "ORDER_PAID"
	TypeOrderCancelled    = "ORDER_CANCELLED"
	TypePaymentRefunded   = "PAYMENT_REFUNDED"
	TypeInventoryReserved = "INVENTORY_RESERVED"
	TypeCouponRedeemed    = "COUPON_REDEEMED"
	TypeWalletRecharged   = "WALLET_RECHARGED"
)

// Event payload types shared between producers and in-process consumers

// OrderCreatedPayload is the payload for an ORDER_CREATED event
type OrderCreatedPayload struct {
	OrderID    string    `json:"order_id"`
	StoreID    string    `json:"store_id"`
	MemberID   string    `json:"member_id,omitempty"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
}

func (*OrderCreatedPayload) EventClass() string { return "order.OrderCreated" }

// OrderPaidPayload is the payload for an ORDER_PAID event
type OrderPaidPayload struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id"`
	MemberID    string    `json:"member_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	PaidAt      time.Time `json:"paid_at"`
}

func (*OrderPaidPayload) EventClass() string { return "order.OrderPaid" }

// OrderCancelledPayload is the payload for an ORDER_CANCELLED event
type OrderCancelledPayload struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (*OrderCancelledPayload) EventClass() string { return "order.OrderCancelled" }

// PaymentRefundedPayload is the payload for a PAYMENT_REFUNDED event
type PaymentRefundedPayload struct {
	PaymentID   string    `json:"payment_id"`
	OrderID     string    `json:"order_id"`
	AmountCents int64     `json:"amount_cents"`
	RefundedAt  time.Time `json:"refunded_at"`
}

func (*PaymentRefundedPayload) EventClass() string { return "payment.PaymentRefunded" }

// InventoryReservedPayload is the payload for an INVENTORY_RESERVED event
type InventoryReservedPayload struct {
	OrderID    string         `json:"order_id"`
	Items      map[string]int `json:"items"`
	ReservedAt time.Time      `json:"reserved_at"`
}

func (*InventoryReservedPayload) EventClass() string { return "inventory.InventoryReserved" }

// CouponRedeemedPayload is the payload for a COUPON_REDEEMED event
type CouponRedeemedPayload struct {
	CouponCode string    `json:"coupon_code"`
	OrderID    string    `json:"order_id"`
	MemberID   string    `json:"member_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

func (*CouponRedeemedPayload) EventClass() string { return "promo.CouponRedeemed" }

// WalletRechargedPayload is the payload for a WALLET_RECHARGED event
type WalletRechargedPayload struct {
	WalletID    string    `json:"wallet_id"`
	MemberID    string    `json:"member_id"`
	AmountCents int64     `json:"amount_cents"`
	RechargedAt time.Time `json:"recharged_at"`
}

func (*WalletRechargedPayload) EventClass() string { return "wallet.WalletRecharged" }

// Register adds every commerce payload class to reg.
func Register(reg *eventcodec.Registry) error {
	factories := []func() eventcodec.Payload{
		func() eventcodec.Payload { return &OrderCreatedPayload{} },
		func() eventcodec.Payload { return &OrderPaidPayload{} },
		func() eventcodec.Payload { return &OrderCancelledPayload{} },
		func() eventcodec.Payload { return &PaymentRefundedPayload{} },
		func() eventcodec.Payload { return &InventoryReservedPayload{} },
		func() eventcodec.Payload { return &CouponRedeemedPayload{} },
		func() eventcodec.Payload { return &WalletRechargedPayload{} },
	}
	for _, f := range factories {
		if err := reg.Register(f().EventClass(), f); err != nil {
			return err
		}
	}
	return nil
}

// Types lists every event type in this package.
func Types() []string {
	return []string{
		TypeOrderCreated,
		TypeOrderPaid,
		TypeOrderCancelled,
		TypePaymentRefunded,
		TypeInventoryReserved,
		TypeCouponRedeemed,
		TypeWalletRecharged,
	}
}
