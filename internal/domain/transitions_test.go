package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitions(t *testing.T) {
	assert.True(t, CanTransitionOrder(OrderStatusConfirmed, OrderStatusProcessing))
	assert.True(t, CanTransitionOrder(OrderStatusShipped, OrderStatusDelivered))
	assert.True(t, CanTransitionOrder(OrderStatusPlaced, OrderStatusCancelled))
	assert.False(t, CanTransitionOrder(OrderStatusShipped, OrderStatusCancelled))
	assert.False(t, CanTransitionOrder(OrderStatusCancelled, OrderStatusConfirmed))
	assert.False(t, CanTransitionOrder(OrderStatusPlaced, OrderStatusDelivered))
}

func TestServiceOrderTransitions(t *testing.T) {
	assert.True(t, CanTransitionServiceOrder(ServiceOrderStatusConfirmed, ServiceOrderStatusScheduled))
	assert.True(t, CanTransitionServiceOrder(ServiceOrderStatusInProgress, ServiceOrderStatusCompleted))
	assert.False(t, CanTransitionServiceOrder(ServiceOrderStatusCompleted, ServiceOrderStatusCancelled))
	assert.False(t, CanTransitionServiceOrder(ServiceOrderStatusPending, ServiceOrderStatusScheduled))
	assert.True(t, ServiceOrderStatusCancelled.Terminal())
	assert.False(t, ServiceOrderStatusScheduled.Terminal())
	assert.True(t, OrderStatusShipped.Settled())
	assert.False(t, OrderStatusConfirmed.Settled())
}
