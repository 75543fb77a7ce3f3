// Package order holds the working order built up during a voice session and
// the collaborator contracts used to resolve menu items and persist orders.
package order

import (
	"slices"
	"strconv"
	"strings"
)

// Status tags the lifecycle of a working order.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
)

// LineItem is one line of a working order.
type LineItem struct {
	LineID         int      `json:"line_id"`
	MenuItemID     string   `json:"menu_item_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	Customizations []string `json:"customizations,omitempty"`
	IsRewardItem   bool     `json:"is_reward_item,omitempty"`
}

// WorkingOrder is an immutable value. Every mutation returns a new order so a
// caller can swap it in atomically or drop it without side effects.
type WorkingOrder struct {
	Items  []LineItem `json:"items"`
	Status Status     `json:"status"`
	nextID int
}

// New returns an empty draft order.
func New() WorkingOrder {
	return WorkingOrder{Items: []LineItem{}, Status: StatusDraft, nextID: 1}
}

// Empty reports whether the order has no lines.
func (o WorkingOrder) Empty() bool { return len(o.Items) == 0 }

// TotalQuantity sums quantities across lines.
func (o WorkingOrder) TotalQuantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// Clone deep-copies the order.
func (o WorkingOrder) Clone() WorkingOrder {
	out := WorkingOrder{Status: o.Status, nextID: o.nextID, Items: make([]LineItem, len(o.Items))}
	for i, it := range o.Items {
		it.Customizations = slices.Clone(it.Customizations)
		out.Items[i] = it
	}
	if out.nextID == 0 {
		out.nextID = 1
		for _, it := range out.Items {
			if it.LineID >= out.nextID {
				out.nextID = it.LineID + 1
			}
		}
	}
	return out
}

// WithStatus returns a copy tagged with status.
func (o WorkingOrder) WithStatus(s Status) WorkingOrder {
	out := o.Clone()
	out.Status = s
	return out
}

// Add appends a new line and returns the new order and the added line.
func (o WorkingOrder) Add(item LineItem) (WorkingOrder, LineItem) {
	out := o.Clone()
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	item.Customizations = slices.Clone(item.Customizations)
	item.LineID = out.nextID
	out.nextID++
	out.Items = append(out.Items, item)
	return out, item
}

// Remove drops the most recent line matching menuItemID.
func (o WorkingOrder) Remove(menuItemID string) (WorkingOrder, LineItem, bool) {
	idx := o.lastIndex(menuItemID)
	if idx < 0 {
		return o, LineItem{}, false
	}
	out := o.Clone()
	removed := out.Items[idx]
	out.Items = slices.Delete(out.Items, idx, idx+1)
	return out, removed, true
}

// SetQuantity sets the quantity of the most recent line matching menuItemID.
// A quantity of zero or less removes the line.
func (o WorkingOrder) SetQuantity(menuItemID string, qty int) (WorkingOrder, LineItem, bool) {
	if qty <= 0 {
		return o.Remove(menuItemID)
	}
	idx := o.lastIndex(menuItemID)
	if idx < 0 {
		return o, LineItem{}, false
	}
	out := o.Clone()
	out.Items[idx].Quantity = qty
	return out, out.Items[idx], true
}

// Customize attaches a customization to the most recently added line matching
// menuItemID, or to the last line when menuItemID is empty.
func (o WorkingOrder) Customize(menuItemID, customization string) (WorkingOrder, LineItem, bool) {
	customization = strings.TrimSpace(customization)
	if customization == "" || len(o.Items) == 0 {
		return o, LineItem{}, false
	}
	idx := len(o.Items) - 1
	if menuItemID != "" {
		idx = o.lastIndex(menuItemID)
	}
	if idx < 0 {
		return o, LineItem{}, false
	}
	out := o.Clone()
	if slices.Contains(out.Items[idx].Customizations, customization) {
		return o, out.Items[idx], false
	}
	out.Items[idx].Customizations = append(out.Items[idx].Customizations, customization)
	return out, out.Items[idx], true
}

func (o WorkingOrder) lastIndex(menuItemID string) int {
	for i := len(o.Items) - 1; i >= 0; i-- {
		if o.Items[i].MenuItemID == menuItemID {
			return i
		}
	}
	return -1
}

// Summary renders the order as a short human-readable list.
func (o WorkingOrder) Summary() string {
	if len(o.Items) == 0 {
		return "nothing yet"
	}
	parts := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		var b strings.Builder
		if it.Quantity > 1 {
			b.WriteString(strconv.Itoa(it.Quantity))
			b.WriteString(" x ")
		}
		b.WriteString(it.Name)
		if len(it.Customizations) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(it.Customizations, ", "))
			b.WriteString(")")
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "; ")
}
