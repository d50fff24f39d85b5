package billing

import (
	"context"
	"strings"
)

// =============================================================================
// APPOINTMENT GUARDS
// =============================================================================

// BillingStatus guards an appointment against being invoiced twice.
type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingInvoiced BillingStatus = "invoiced"
	BillingPaid     BillingStatus = "paid"
)

// AppointmentPayoutStatus guards an appointment against being paid out twice.
type AppointmentPayoutStatus string

const (
	PayoutPending   AppointmentPayoutStatus = "pending"
	PayoutScheduled AppointmentPayoutStatus = "scheduled"
	PayoutPaid      AppointmentPayoutStatus = "paid"
)

// GuardEvent moves an appointment guard.
type GuardEvent string

const (
	GuardClaim   GuardEvent = "claim"   // picked up by a generation run
	GuardSettle  GuardEvent = "settle"  // parent invoice/payout fully paid
	GuardRelease GuardEvent = "release" // parent voided or cancelled
)

// NextBillingStatus is the transition function for BillingStatus.
func NextBillingStatus(from BillingStatus, ev GuardEvent) (BillingStatus, error) {
	switch from {
	case BillingPending:
		if ev == GuardClaim {
			return BillingInvoiced, nil
		}
	case BillingInvoiced:
		switch ev {
		case GuardSettle:
			return BillingPaid, nil
		case GuardRelease:
			return BillingPending, nil
		}
	case BillingPaid:
	}
	return from, &TransitionError{Entity: "appointment billing", From: string(from), Event: string(ev)}
}

// NextAppointmentPayoutStatus is the transition function for AppointmentPayoutStatus.
func NextAppointmentPayoutStatus(from AppointmentPayoutStatus, ev GuardEvent) (AppointmentPayoutStatus, error) {
	switch from {
	case PayoutPending:
		if ev == GuardClaim {
			return PayoutScheduled, nil
		}
	case PayoutScheduled:
		switch ev {
		case GuardSettle:
			return PayoutPaid, nil
		case GuardRelease:
			return PayoutPending, nil
		}
	case PayoutPaid:
	}
	return from, &TransitionError{Entity: "appointment payout", From: string(from), Event: string(ev)}
}

// moveBilling applies ev to the appointments still at from and reports how
// many moved. Rows in any other status are left alone.
func moveBilling(ctx context.Context, tx Tx, ids []string, from BillingStatus, ev GuardEvent) (int64, error) {
	to, err := NextBillingStatus(from, ev)
	if err != nil {
		return 0, err
	}
	return tx.UpdateBillingStatus(ctx, ids, from, to)
}

func movePayout(ctx context.Context, tx Tx, ids []string, from AppointmentPayoutStatus, ev GuardEvent) (int64, error) {
	to, err := NextAppointmentPayoutStatus(from, ev)
	if err != nil {
		return 0, err
	}
	return tx.UpdateAppointmentPayoutStatus(ctx, ids, from, to)
}

// =============================================================================
// INVOICE STATUS
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceSent    InvoiceStatus = "sent"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceVoid    InvoiceStatus = "void"
)

// InvoiceEvent moves an invoice through its lifecycle.
type InvoiceEvent string

const (
	InvoiceEventSend InvoiceEvent = "send"
	InvoiceEventPay  InvoiceEvent = "record payment"
	InvoiceEventVoid InvoiceEvent = "void"
)

// NextInvoiceStatus is the transition function for invoices. settled is only
// consulted for payments and says whether paidAmount now covers the total.
//
//	draft   --send--> sent
//	sent    --pay---> partial | paid
//	partial --pay---> partial | paid
//	draft   --void--> void
//	sent    --void--> void
func NextInvoiceStatus(from InvoiceStatus, ev InvoiceEvent, settled bool) (InvoiceStatus, error) {
	switch from {
	case InvoiceDraft:
		switch ev {
		case InvoiceEventSend:
			return InvoiceSent, nil
		case InvoiceEventVoid:
			return InvoiceVoid, nil
		}
	case InvoiceSent:
		switch ev {
		case InvoiceEventPay:
			return paymentOutcome(settled), nil
		case InvoiceEventVoid:
			return InvoiceVoid, nil
		}
	case InvoicePartial:
		if ev == InvoiceEventPay {
			return paymentOutcome(settled), nil
		}
	case InvoicePaid, InvoiceVoid:
	}
	return from, &TransitionError{Entity: "invoice", From: string(from), Event: string(ev)}
}

func paymentOutcome(settled bool) InvoiceStatus {
	if settled {
		return InvoicePaid
	}
	return InvoicePartial
}

// ParseInvoiceStatus accepts any of the stored statuses, case-insensitively.
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	st := InvoiceStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case InvoiceDraft, InvoiceSent, InvoicePartial, InvoicePaid, InvoiceVoid:
		return st, nil
	}
	return "", Invalid("status", "unknown invoice status "+s)
}

// =============================================================================
// PAYOUT STATUS
// =============================================================================

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusPaid      PayoutStatus = "paid"
	PayoutStatusCancelled PayoutStatus = "cancelled"
)

type PayoutEvent string

const (
	PayoutEventPay    PayoutEvent = "mark paid"
	PayoutEventCancel PayoutEvent = "cancel"
)

// NextPayoutStatus is the transition function for payouts.
//
//	pending --pay----> paid
//	pending --cancel-> cancelled
func NextPayoutStatus(from PayoutStatus, ev PayoutEvent) (PayoutStatus, error) {
	switch from {
	case PayoutStatusPending:
		switch ev {
		case PayoutEventPay:
			return PayoutStatusPaid, nil
		case PayoutEventCancel:
			return PayoutStatusCancelled, nil
		}
	case PayoutStatusPaid, PayoutStatusCancelled:
	}
	return from, &TransitionError{Entity: "payout", From: string(from), Event: string(ev)}
}

// ParsePayoutStatus accepts any of the stored statuses, case-insensitively.
func ParsePayoutStatus(s string) (PayoutStatus, error) {
	st := PayoutStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case PayoutStatusPending, PayoutStatusPaid, PayoutStatusCancelled:
		return st, nil
	}
	return "", Invalid("status", "unknown payout status "+s)
}
