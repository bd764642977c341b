package domain

import (
	"errors"
	"slices"
)

// ErrInvalidTransition reports a status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("domain: invalid status transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPlaced:     {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusReturned},
}

var serviceOrderTransitions = map[ServiceOrderStatus][]ServiceOrderStatus{
	ServiceOrderStatusPending:    {ServiceOrderStatusConfirmed, ServiceOrderStatusCancelled},
	ServiceOrderStatusConfirmed:  {ServiceOrderStatusScheduled, ServiceOrderStatusCancelled},
	ServiceOrderStatusScheduled:  {ServiceOrderStatusInProgress, ServiceOrderStatusCancelled},
	ServiceOrderStatusInProgress: {ServiceOrderStatusCompleted, ServiceOrderStatusCancelled},
}

// CanTransitionOrder reports whether a product order may move between fulfilment states.
func CanTransitionOrder(from, to OrderStatus) bool {
	return slices.Contains(orderTransitions[from], to)
}

// CanTransitionServiceOrder reports whether a booking may move between states.
func CanTransitionServiceOrder(from, to ServiceOrderStatus) bool {
	return slices.Contains(serviceOrderTransitions[from], to)
}

// Terminal reports whether no further transition is possible.
func (s ServiceOrderStatus) Terminal() bool {
	return s == ServiceOrderStatusCompleted || s == ServiceOrderStatusCancelled
}

// Settled reports whether the payment has reached a state the webhook may no longer regress.
func (s OrderStatus) Settled() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusReturned:
		return true
	default:
		return false
	}
}
