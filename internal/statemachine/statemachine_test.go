package statemachine

import (
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardChain(t *testing.T) {
	assert.True(t, CanTransition(models.OrderStatusPending, models.OrderStatusConfirmed))
	assert.True(t, CanTransition(models.OrderStatusConfirmed, models.OrderStatusReadyToShip))
	assert.True(t, CanTransition(models.OrderStatusReadyToShip, models.OrderStatusShipped))
	assert.True(t, CanTransition(models.OrderStatusShipped, models.OrderStatusDelivered))
	assert.True(t, CanTransition(models.OrderStatusDelivered, models.OrderStatusCompleted))

	// carrier polls can miss intermediate statuses
	assert.True(t, CanTransition(models.OrderStatusReadyToShip, models.OrderStatusDelivered))
}

func TestCanTransition_RejectsRegressions(t *testing.T) {
	assert.False(t, CanTransition(models.OrderStatusDelivered, models.OrderStatusShipped))
	assert.False(t, CanTransition(models.OrderStatusCompleted, models.OrderStatusDelivered))
	assert.False(t, CanTransition(models.OrderStatusConfirmed, models.OrderStatusPending))
	assert.False(t, CanTransition(models.OrderStatusShipped, models.OrderStatusShipped))
}

func TestCanTransition_SideExits(t *testing.T) {
	for _, from := range []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusConfirmed,
		models.OrderStatusReadyToShip,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		assert.True(t, CanTransition(from, models.OrderStatusCancelled), "from %s", from)
		assert.True(t, CanTransition(from, models.OrderStatusReturned), "from %s", from)
	}

	assert.False(t, CanTransition(models.OrderStatusCompleted, models.OrderStatusCancelled))
	assert.False(t, CanTransition(models.OrderStatusCompleted, models.OrderStatusReturned))
	assert.False(t, CanTransition(models.OrderStatusCancelled, models.OrderStatusConfirmed))
	assert.False(t, CanTransition(models.OrderStatusCancelled, models.OrderStatusReturned))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(models.OrderStatusPending, models.OrderStatusCancelled))
	assert.ErrorIs(t, Validate(models.OrderStatusDelivered, models.OrderStatusShipped), ErrIllegalTransition)
}

func TestFromCarrierStatus(t *testing.T) {
	status, ok := FromCarrierStatus("  Delivered ")
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusDelivered, status)

	status, ok = FromCarrierStatus("TRANSPORTING")
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusShipped, status)

	status, ok = FromCarrierStatus("cancel")
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusCancelled, status)

	_, ok = FromCarrierStatus("something_new")
	assert.False(t, ok)
}

func TestTerminalCarrierStatus(t *testing.T) {
	assert.True(t, IsTerminalCarrierStatus("DELIVERED"))
	assert.True(t, IsTerminalCarrierStatus("returned"))
	assert.False(t, IsTerminalCarrierStatus("delivering"))
	assert.Len(t, TerminalCarrierStatuses(), 5)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(models.OrderStatusCompleted))
	assert.True(t, IsTerminal(models.OrderStatusCancelled))
	assert.False(t, IsTerminal(models.OrderStatusDelivered))
}
