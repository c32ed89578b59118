// Package models holds the domain types shared by the epiwatch components.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindStock    Kind = "stock"
	KindDelivery Kind = "delivery"
	KindExpiry   Kind = "expiry"
)

// ParseKind maps a wire value (Portuguese or English) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "estoque", "stock", "estoque_baixo":
		return KindStock, nil
	case "entrega", "delivery", "nova_entrega":
		return KindDelivery, nil
	case "validade", "vencimento", "expiry", "vencido":
		return KindExpiry, nil
	}
	return "", fmt.Errorf("unknown notification kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStock, KindDelivery, KindExpiry:
		return true
	}
	return false
}

// Notification is a single notification record. Identity is ID.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}
