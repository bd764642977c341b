package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

func deliveredOrder(id string, deliveredAgo time.Duration) domain.Order {
	delivered := testNow.Add(-deliveredAgo)
	deadline := delivered.Add(domain.DefaultReturnWindow)
	return domain.Order{
		ID:       id,
		UserID:   "user-1",
		Currency: "INR",
		Items: []domain.OrderLineItem{
			{ID: "li_1", ProductID: "prod-a", Name: "Stamp", UnitPrice: 20000, Quantity: 1},
			{ID: "li_2", ProductID: "prod-b", Name: "Frame", UnitPrice: 80000, Quantity: 1},
		},
		Totals:         domain.OrderTotals{Subtotal: 100000, Discount: 10000, GST: 18000, Total: 108000},
		PaymentStatus:  domain.PaymentStatusPaid,
		Status:         domain.OrderStatusDelivered,
		SessionID:      id,
		DeliveredAt:    &delivered,
		ReturnDeadline: &deadline,
		CanReturn:      true,
		CreatedAt:      delivered.Add(-72 * time.Hour),
	}
}

type returnFixture struct {
	orders  *memoryOrders
	returns *memoryReturns
	ledger  *memoryLedger
	events  *recordingEvents
	svc     ReturnService
}

func newReturnFixture(t *testing.T, ids ...string) returnFixture {
	t.Helper()
	f := returnFixture{
		orders:  newMemoryOrders(nil),
		returns: newMemoryReturns(),
		ledger:  &memoryLedger{},
		events:  &recordingEvents{},
	}
	credits, err := NewCreditService(CreditServiceDeps{
		Ledger: f.ledger,
		Events: f.events,
		Clock:  fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("new credit service: %v", err)
	}
	svc, err := NewReturnService(ReturnServiceDeps{
		Orders:          f.orders,
		Returns:         f.returns,
		Credits:         credits,
		Events:          f.events,
		StoreCreditRate: decimal.NewFromInt(1),
		CreditExpiry:    365 * 24 * time.Hour,
		Clock:           fixedClock(testNow),
		IDGenerator:     sequenceIDs(ids...),
	})
	if err != nil {
		t.Fatalf("new return service: %v", err)
	}
	f.svc = svc
	return f
}

func returnCommand(orderID string, lines ...ReturnLineInput) RequestReturnCommand {
	return RequestReturnCommand{
		OrderID:   orderID,
		Requester: Requester{UserID: "user-1"},
		Items:     lines,
	}
}

func TestReturnServiceRequestReturnComputesRefund(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R1")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D1", 6*24*time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D1", ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"}))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if ret.ID != "ret_R1" || ret.Status != domain.ReturnStatusRequested {
		t.Fatalf("unexpected return: %+v", ret)
	}
	item := ret.Items[0]
	if item.ItemRefund != 20000 || item.DiscountShare != 2000 || item.GSTShare != 3600 || item.RefundAmount != 21600 {
		t.Fatalf("unexpected item refund: %+v", item)
	}
	if ret.TotalRefundAmount != 21600 {
		t.Fatalf("expected refund 21600, got %d", ret.TotalRefundAmount)
	}

	order := f.orders.get("ord_D1")
	if !order.HasActiveReturn || order.CanReturn {
		t.Fatalf("expected order locked by active return, got active=%v can=%v", order.HasActiveReturn, order.CanReturn)
	}

	_, err = f.svc.RequestReturn(ctx, returnCommand("ord_D1", ReturnLineInput{LineItemID: "li_2", Quantity: 1, Reason: "changed mind"}))
	if !errors.Is(err, ErrReturnNotEligible) || !errors.Is(err, domain.ErrOrderActiveReturn) {
		t.Fatalf("expected active return rejection, got %v", err)
	}
}

func TestReturnServiceEligibility(t *testing.T) {
	ctx := context.Background()
	line := ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"}

	t.Run("window closed", func(t *testing.T) {
		f := newReturnFixture(t, "R2")
		if err := f.orders.Insert(ctx, deliveredOrder("ord_D2", 8*24*time.Hour)); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_, err := f.svc.RequestReturn(ctx, returnCommand("ord_D2", line))
		if !errors.Is(err, ErrReturnNotEligible) || !errors.Is(err, domain.ErrReturnWindowClosed) {
			t.Fatalf("expected window closed, got %v", err)
		}
	})

	t.Run("not delivered", func(t *testing.T) {
		f := newReturnFixture(t, "R3")
		order := deliveredOrder("ord_D3", 0)
		order.Status = domain.OrderStatusShipped
		order.DeliveredAt = nil
		if err := f.orders.Insert(ctx, order); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_, err := f.svc.RequestReturn(ctx, returnCommand("ord_D3", line))
		if !errors.Is(err, ErrReturnNotEligible) || !errors.Is(err, domain.ErrOrderNotDelivered) {
			t.Fatalf("expected not delivered, got %v", err)
		}
	})

	t.Run("quantity exceeds purchase", func(t *testing.T) {
		f := newReturnFixture(t, "R4")
		if err := f.orders.Insert(ctx, deliveredOrder("ord_D4", time.Hour)); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_, err := f.svc.RequestReturn(ctx, returnCommand("ord_D4", ReturnLineInput{LineItemID: "li_1", Quantity: 2, Reason: "damaged"}))
		if !errors.Is(err, ErrReturnInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		if f.orders.get("ord_D4").HasActiveReturn {
			t.Fatalf("rejected request must not lock the order")
		}
	})

	t.Run("other user", func(t *testing.T) {
		f := newReturnFixture(t, "R5")
		if err := f.orders.Insert(ctx, deliveredOrder("ord_D5", time.Hour)); err != nil {
			t.Fatalf("seed: %v", err)
		}
		cmd := returnCommand("ord_D5", line)
		cmd.Requester = Requester{UserID: "intruder"}
		if _, err := f.svc.RequestReturn(ctx, cmd); !errors.Is(err, ErrOrderForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})
}

func TestReturnServiceInsertFailureUnlocksOrder(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R6")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D6", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.returns.failIns = &repoErr{msg: "deadline exceeded", unavailable: true}

	_, err := f.svc.RequestReturn(ctx, returnCommand("ord_D6", ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"}))
	if !errors.Is(err, ErrReturnUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	order := f.orders.get("ord_D6")
	if order.HasActiveReturn || !order.CanReturn {
		t.Fatalf("expected flags restored, got active=%v can=%v", order.HasActiveReturn, order.CanReturn)
	}
}

func TestReturnServiceApproveAndRefundGrantsCredit(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R7")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D7", 6*24*time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D7", ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"}))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	if _, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-1"}); !errors.Is(err, ErrReturnInvalidState) {
		t.Fatalf("expected refund before approval to fail, got %v", err)
	}

	approved, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionApprove, ActorID: "ops"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.ReturnStatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approval: %+v", approved)
	}

	refunded, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-1", ActorID: "ops"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.ReturnStatusRefunded || refunded.RefundedAmount != 21600 {
		t.Fatalf("unexpected refund: %+v", refunded)
	}
	if refunded.StoreCreditAmount != 216 || !refunded.StoreCreditIssued {
		t.Fatalf("expected store credit 216, got %d issued=%v", refunded.StoreCreditAmount, refunded.StoreCreditIssued)
	}

	order := f.orders.get("ord_D7")
	if order.Items[0].ReturnedQuantity != 1 || order.Items[1].ReturnedQuantity != 0 {
		t.Fatalf("unexpected returned quantities: %+v", order.Items)
	}
	if order.Status != domain.OrderStatusDelivered || order.HasActiveReturn || !order.CanReturn {
		t.Fatalf("partially returned order should reopen, got status=%s active=%v can=%v", order.Status, order.HasActiveReturn, order.CanReturn)
	}

	if len(f.ledger.entries) != 1 {
		t.Fatalf("expected one credit entry, got %d", len(f.ledger.entries))
	}
	credit := f.ledger.entries[0]
	if credit.ID != "crd_ret_R7" || credit.Amount != 216 || credit.Reason != domain.CreditReasonReturnRefund || credit.ExpiresAt == nil {
		t.Fatalf("unexpected credit entry: %+v", credit)
	}
	eventCount := len(f.events.events)

	again, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-1"})
	if err != nil {
		t.Fatalf("refund replay: %v", err)
	}
	if again.Status != domain.ReturnStatusRefunded {
		t.Fatalf("unexpected replay result: %+v", again)
	}
	if len(f.ledger.entries) != 1 {
		t.Fatalf("replay must not grant twice")
	}
	if f.orders.get("ord_D7").Items[0].ReturnedQuantity != 1 {
		t.Fatalf("replay must not apply quantities twice")
	}
	if len(f.events.events) != eventCount {
		t.Fatalf("replay must not publish events")
	}
}

func TestReturnServiceFullReturnMarksOrderReturned(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R8")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D8", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D8",
		ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"},
		ReturnLineInput{LineItemID: "li_2", Quantity: 1, Reason: "damaged"},
	))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if ret.TotalRefundAmount != 108000 {
		t.Fatalf("full return must refund the order total, got %d", ret.TotalRefundAmount)
	}
	if _, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionApprove}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-8"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	order := f.orders.get("ord_D8")
	if order.Status != domain.OrderStatusReturned || order.PaymentStatus != domain.PaymentStatusRefunded || order.CanReturn {
		t.Fatalf("unexpected order after full return: status=%s payment=%s can=%v", order.Status, order.PaymentStatus, order.CanReturn)
	}
}

func TestReturnServicePartialRefund(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R9")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D9", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D9", ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "scratched"}))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionApprove}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-9", RefundedAmount: 30000}); !errors.Is(err, ErrReturnInvalidInput) {
		t.Fatalf("expected over-refund to be rejected, got %v", err)
	}
	refunded, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-9", RefundedAmount: 10000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.ReturnStatusPartiallyRefunded || refunded.RefundedAmount != 10000 || refunded.StoreCreditAmount != 216 {
		t.Fatalf("unexpected partial refund: %+v", refunded)
	}
	order := f.orders.get("ord_D9")
	if order.Items[0].ReturnedQuantity != 0 || order.Status != domain.OrderStatusDelivered || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("partial refund must not mark units returned: status=%s payment=%s items=%+v", order.Status, order.PaymentStatus, order.Items)
	}
	if order.HasActiveReturn {
		t.Fatalf("refunded return should no longer be active")
	}
}

func TestReturnServicePartialRefundOfFullReturn(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R10")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D10", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D10",
		ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"},
		ReturnLineInput{LineItemID: "li_2", Quantity: 1, Reason: "damaged"},
	))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionApprove}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	refunded, err := f.svc.ProcessRefund(ctx, ProcessRefundCommand{ReturnID: ret.ID, RefundTransactionID: "rf-10", RefundedAmount: 100})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.StoreCreditAmount != 1080 {
		t.Fatalf("credit must follow the refundable total, got %d", refunded.StoreCreditAmount)
	}
	if len(f.ledger.entries) != 1 || f.ledger.entries[0].Amount != 1080 {
		t.Fatalf("unexpected credit entries: %+v", f.ledger.entries)
	}
	order := f.orders.get("ord_D10")
	for _, item := range order.Items {
		if item.ReturnedQuantity != 0 {
			t.Fatalf("partial refund must not mark %s returned", item.ID)
		}
	}
	if order.Status == domain.OrderStatusReturned || order.PaymentStatus == domain.PaymentStatusRefunded {
		t.Fatalf("partial refund must not close the order, got status=%s payment=%s", order.Status, order.PaymentStatus)
	}
}

func TestReturnServiceReject(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R10")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D10", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D10", ReturnLineInput{LineItemID: "li_2", Quantity: 1, Reason: "wrong size"}))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	if _, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionReject}); !errors.Is(err, ErrReturnInvalidInput) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	rejected, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionReject, Reason: "used item"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.ReturnStatusRejected || rejected.RejectionReason != "used item" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	order := f.orders.get("ord_D10")
	if order.HasActiveReturn || !order.CanReturn {
		t.Fatalf("rejection should reopen the order, got active=%v can=%v", order.HasActiveReturn, order.CanReturn)
	}
	if _, err := f.svc.DecideReturn(ctx, DecideReturnCommand{ReturnID: ret.ID, Decision: ReturnDecisionApprove}); !errors.Is(err, ErrReturnInvalidState) {
		t.Fatalf("expected rejected return to stay rejected, got %v", err)
	}
}

func TestReturnServiceReads(t *testing.T) {
	ctx := context.Background()
	f := newReturnFixture(t, "R11")
	if err := f.orders.Insert(ctx, deliveredOrder("ord_D11", time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ret, err := f.svc.RequestReturn(ctx, returnCommand("ord_D11", ReturnLineInput{LineItemID: "li_1", Quantity: 1, Reason: "damaged"}))
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	got, err := f.svc.GetReturn(ctx, ret.ID, Requester{UserID: "user-1"})
	if err != nil || got.ID != ret.ID {
		t.Fatalf("get return: %v %+v", err, got)
	}
	if _, err := f.svc.GetReturn(ctx, ret.ID, Requester{UserID: "other"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.GetReturn(ctx, "ret_missing", Requester{IsAdmin: true}); !errors.Is(err, ErrReturnNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := f.svc.ListReturns(ctx, "ord_D11", Requester{IsAdmin: true})
	if err != nil || len(list) != 1 {
		t.Fatalf("list returns: %v %d", err, len(list))
	}
}
