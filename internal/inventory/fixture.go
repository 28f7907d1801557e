package inventory

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
)

// Fixture is the YAML document loaded by the seed command.
type Fixture struct {
	Items []FixtureItem `yaml:"items"`
}

// FixtureItem is one inventory row as written in a fixture file.
type FixtureItem struct {
	SKU          string             `yaml:"sku"`
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Price        string             `yaml:"price"`
	SizeLabel    string             `yaml:"size_label"`
	Measurements map[string]float64 `yaml:"measurements"`
	Status       string             `yaml:"status"`
	ImageURL     string             `yaml:"image_url"`
}

// LoadFixture decodes a fixture and converts it to inventory rows.
func LoadFixture(r io.Reader) ([]model.InventoryItem, error) {
	var f Fixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}

	items := make([]model.InventoryItem, 0, len(f.Items))
	seen := make(map[string]bool, len(f.Items))
	for i, fi := range f.Items {
		if fi.SKU == "" || fi.Name == "" {
			return nil, fmt.Errorf("fixture item %d: sku and name are required", i)
		}
		if seen[fi.SKU] {
			return nil, fmt.Errorf("fixture item %d: duplicate sku %s", i, fi.SKU)
		}
		seen[fi.SKU] = true

		price, err := decimal.NewFromString(fi.Price)
		if err != nil {
			return nil, fmt.Errorf("fixture item %s: invalid price %q: %w", fi.SKU, fi.Price, err)
		}

		status := model.InventoryStatus(fi.Status)
		switch status {
		case "":
			status = model.StatusAvailable
		case model.StatusAvailable, model.StatusReserved, model.StatusSold:
		default:
			return nil, fmt.Errorf("fixture item %s: unknown status %q", fi.SKU, fi.Status)
		}

		items = append(items, model.InventoryItem{
			SKU:          fi.SKU,
			Name:         fi.Name,
			Description:  fi.Description,
			Price:        price.Round(2),
			SizeLabel:    fi.SizeLabel,
			Measurements: datatypes.NewJSONType(model.Measurements(fi.Measurements)),
			Status:       status,
			ImageURL:     fi.ImageURL,
		})
	}
	return items, nil
}

// LoadFixtureFile reads a fixture from path.
func LoadFixtureFile(path string) ([]model.InventoryItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()

	return LoadFixture(f)
}
