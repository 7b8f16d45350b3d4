// Package catalog serves menu item features to the prediction client. Menu
// management lives elsewhere; this is a read-mostly snapshot loaded from YAML.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/pickup-eta/internal/model"
)

// File is the on-disk catalog layout.
//
//	vendors:
//	  - id: VEN001
//	    items:
//	      - id: wrap
//	        name: Chicken Wrap
//	        base_prep_minutes: 6
//	        complexity: 2
type File struct {
	Vendors []VendorMenu `yaml:"vendors"`
}

// VendorMenu lists the items of one vendor.
type VendorMenu struct {
	ID    string                   `yaml:"id"`
	Items []model.MenuItemFeatures `yaml:"items"`
}

// Static is an in-memory catalog safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	items map[string]map[string]model.MenuItemFeatures
}

// NewStatic returns an empty catalog.
func NewStatic() *Static {
	return &Static{items: make(map[string]map[string]model.MenuItemFeatures)}
}

// Load reads a catalog file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"path":    path,
		"vendors": len(c.Vendors()),
	}).Info("Loaded menu catalog")
	return c, nil
}

// Parse decodes catalog YAML.
func Parse(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := NewStatic()
	for _, v := range f.Vendors {
		if v.ID == "" {
			return nil, fmt.Errorf("catalog vendor without id")
		}
		for i, it := range v.Items {
			if it.ItemID == "" {
				return nil, fmt.Errorf("catalog vendor %s: item %d has no id", v.ID, i)
			}
			if it.BasePrepMinutes < 0 {
				return nil, fmt.Errorf("catalog vendor %s: item %s has negative prep time", v.ID, it.ItemID)
			}
			c.Add(v.ID, it)
		}
	}
	return c, nil
}

// Add registers or replaces an item.
func (c *Static) Add(vendorID string, it model.MenuItemFeatures) {
	c.mu.Lock()
	defer c.mu.Unlock()
	menu, ok := c.items[vendorID]
	if !ok {
		menu = make(map[string]model.MenuItemFeatures)
		c.items[vendorID] = menu
	}
	it.Quantity = 0
	menu[it.ItemID] = it
}

// Lookup returns the features of an item with quantity 1.
func (c *Static) Lookup(vendorID, itemID string) (model.MenuItemFeatures, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[vendorID][itemID]
	if !ok {
		return model.MenuItemFeatures{}, false
	}
	return it.WithQuantity(1), true
}

// Items lists a vendor's items sorted by id.
func (c *Static) Items(vendorID string) []model.MenuItemFeatures {
	c.mu.RLock()
	defer c.mu.RUnlock()
	menu := c.items[vendorID]
	out := make([]model.MenuItemFeatures, 0, len(menu))
	for _, it := range menu {
		out = append(out, it.WithQuantity(1))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Vendors lists vendor ids in sorted order.
func (c *Static) Vendors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.items))
	for id := range c.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
