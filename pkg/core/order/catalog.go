package order

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-order/pkg/core"
)

// MenuItem is a catalog entry.
type MenuItem struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Aliases    []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	PriceCents int      `yaml:"price_cents,omitempty" json:"price_cents,omitempty"`
	Category   string   `yaml:"category,omitempty" json:"category,omitempty"`
	Rewardable bool     `yaml:"rewardable,omitempty" json:"rewardable,omitempty"`
}

// Catalog resolves spoken item names to menu entries.
type Catalog interface {
	ResolveItem(ctx context.Context, name string) (MenuItem, error)
	Items(ctx context.Context) ([]MenuItem, error)
}

// Menu is the on-disk catalog document.
type Menu struct {
	Items []MenuItem `yaml:"items" json:"items"`
}

// StaticCatalog matches names against a fixed menu and is safe for
// concurrent use once built. Matching is case-insensitive on the item name
// and aliases; when no exact match exists the longest name or alias contained
// in the query wins.
type StaticCatalog struct {
	items []MenuItem
	keys  map[string]int
}

// NewStaticCatalog indexes the given menu.
func NewStaticCatalog(menu Menu) (*StaticCatalog, error) {
	c := &StaticCatalog{keys: make(map[string]int)}
	for i, it := range menu.Items {
		if strings.TrimSpace(it.ID) == "" {
			return nil, fmt.Errorf("menu item %d: id is required", i)
		}
		if strings.TrimSpace(it.Name) == "" {
			return nil, fmt.Errorf("menu item %q: name is required", it.ID)
		}
		c.items = append(c.items, it)
		for _, key := range append([]string{it.Name}, it.Aliases...) {
			k := normalizeName(key)
			if k == "" {
				continue
			}
			if prev, ok := c.keys[k]; ok && prev != len(c.items)-1 {
				return nil, fmt.Errorf("menu key %q is ambiguous between %q and %q", key, c.items[prev].ID, it.ID)
			}
			c.keys[k] = len(c.items) - 1
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML or JSON menu file. An empty path yields the
// built-in default menu.
func LoadCatalog(path string) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return NewStaticCatalog(DefaultMenu())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}
	var menu Menu
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &menu); err != nil {
			return nil, fmt.Errorf("parse json menu: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &menu); err != nil {
		return nil, fmt.Errorf("parse yaml menu: %w", err)
	}
	if len(menu.Items) == 0 {
		return nil, fmt.Errorf("menu %s has no items", path)
	}
	return NewStaticCatalog(menu)
}

// ResolveItem implements Catalog.
func (c *StaticCatalog) ResolveItem(_ context.Context, name string) (MenuItem, error) {
	q := normalizeName(name)
	if q == "" {
		return MenuItem{}, core.ErrItemNotFound.With("empty item name")
	}
	if idx, ok := c.keys[q]; ok {
		return c.items[idx], nil
	}
	if idx, ok := c.keys[singular(q)]; ok {
		return c.items[idx], nil
	}

	padded := " " + q + " "
	for _, key := range c.Names() {
		if strings.Contains(padded, " "+key+" ") || strings.Contains(padded, " "+key+"s ") {
			return c.items[c.keys[key]], nil
		}
	}
	return MenuItem{}, core.ErrItemNotFound.With("no menu item matches %q", name)
}

// Items implements Catalog.
func (c *StaticCatalog) Items(context.Context) ([]MenuItem, error) {
	out := make([]MenuItem, len(c.items))
	copy(out, c.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// Names returns every matchable key, longest first.
func (c *StaticCatalog) Names() []string {
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			space = false
		case r == '-' || r == '\'' || r == ' ' || r == '\t':
			if r == '\'' {
				continue
			}
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func singular(s string) string {
	if strings.HasSuffix(s, "ies") {
		return strings.TrimSuffix(s, "ies") + "y"
	}
	if strings.HasSuffix(s, "es") && (strings.HasSuffix(s, "ches") || strings.HasSuffix(s, "shes")) {
		return strings.TrimSuffix(s, "es")
	}
	return strings.TrimSuffix(s, "s")
}

// DefaultMenu is used when no menu file is configured.
func DefaultMenu() Menu {
	return Menu{Items: []MenuItem{
		{ID: "burger", Name: "burger", Aliases: []string{"hamburger", "cheeseburger"}, PriceCents: 899, Category: "mains", Rewardable: true},
		{ID: "chicken-sandwich", Name: "chicken sandwich", Aliases: []string{"chicken burger"}, PriceCents: 849, Category: "mains"},
		{ID: "veggie-wrap", Name: "veggie wrap", Aliases: []string{"wrap"}, PriceCents: 799, Category: "mains"},
		{ID: "fries", Name: "fries", Aliases: []string{"french fries", "chips"}, PriceCents: 349, Category: "sides", Rewardable: true},
		{ID: "onion-rings", Name: "onion rings", PriceCents: 399, Category: "sides"},
		{ID: "soda", Name: "soda", Aliases: []string{"coke", "pop", "soft drink"}, PriceCents: 249, Category: "drinks", Rewardable: true},
		{ID: "milkshake", Name: "milkshake", Aliases: []string{"shake"}, PriceCents: 499, Category: "drinks"},
		{ID: "coffee", Name: "coffee", PriceCents: 199, Category: "drinks", Rewardable: true},
	}}
}
