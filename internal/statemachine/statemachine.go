// Package statemachine holds the order lifecycle rules shared by the payment,
// stock, compensation and shipping flows.
package statemachine

import (
	"errors"
	"strings"

	"fulfillment-service/internal/models"
)

var ErrIllegalTransition = errors.New("illegal order status transition")

// mainChain is the forward path. Position in the slice is the rank.
var mainChain = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusConfirmed,
	models.OrderStatusReadyToShip,
	models.OrderStatusShipped,
	models.OrderStatusDelivered,
	models.OrderStatusCompleted,
}

type transition struct {
	from, to models.OrderStatus
}

var legal = buildTable()

func buildTable() map[transition]bool {
	t := make(map[transition]bool)
	for i, from := range mainChain {
		for _, to := range mainChain[i+1:] {
			t[transition{from, to}] = true
		}
		if from != models.OrderStatusCompleted {
			t[transition{from, models.OrderStatusCancelled}] = true
			t[transition{from, models.OrderStatusReturned}] = true
		}
	}
	return t
}

// CanTransition reports whether from -> to is in the legal table.
// Staying in the same state is not a transition.
func CanTransition(from, to models.OrderStatus) bool {
	return legal[transition{from, to}]
}

// Validate returns ErrIllegalTransition for pairs outside the table.
func Validate(from, to models.OrderStatus) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}
	return nil
}

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusCompleted, models.OrderStatusCancelled, models.OrderStatusReturned:
		return true
	}
	return false
}

// NormalizeCarrierStatus makes carrier codes comparable.
func NormalizeCarrierStatus(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

var carrierToOrder = map[string]models.OrderStatus{
	"ready_to_pick":            models.OrderStatusReadyToShip,
	"picking":                  models.OrderStatusReadyToShip,
	"picked":                   models.OrderStatusShipped,
	"storing":                  models.OrderStatusShipped,
	"transporting":             models.OrderStatusShipped,
	"sorting":                  models.OrderStatusShipped,
	"delivering":               models.OrderStatusShipped,
	"money_collect_delivering": models.OrderStatusShipped,
	"delivery_fail":            models.OrderStatusShipped,
	"shipped":                  models.OrderStatusShipped,
	"delivered":                models.OrderStatusDelivered,
	"waiting_to_return":        models.OrderStatusReturned,
	"return":                   models.OrderStatusReturned,
	"return_transporting":      models.OrderStatusReturned,
	"return_sorting":           models.OrderStatusReturned,
	"returning":                models.OrderStatusReturned,
	"returned":                 models.OrderStatusReturned,
	"cancel":                   models.OrderStatusCancelled,
}

// FromCarrierStatus maps a carrier-native status to the order status it
// implies. ok is false for codes that carry no order-level meaning.
func FromCarrierStatus(raw string) (status models.OrderStatus, ok bool) {
	status, ok = carrierToOrder[NormalizeCarrierStatus(raw)]
	return status, ok
}

var terminalCarrier = map[string]bool{
	"delivered": true,
	"returned":  true,
	"cancel":    true,
	"lost":      true,
	"damage":    true,
}

// TerminalCarrierStatuses lists the carrier codes after which polling stops.
func TerminalCarrierStatuses() []string {
	out := make([]string, 0, len(terminalCarrier))
	for s := range terminalCarrier {
		out = append(out, s)
	}
	return out
}

func IsTerminalCarrierStatus(raw string) bool {
	return terminalCarrier[NormalizeCarrierStatus(raw)]
}
