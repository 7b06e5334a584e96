/*
Package catalog defines the token packages users can buy and the paid
operations tokens are spent on.

The ledger itself is package-agnostic: amounts arrive on the payment
notification and package ids are carried through as metadata. The catalog
exists for the surrounding app - listing what is for sale, pricing it,
and resolving the token cost of a generation operation.
*/
package catalog

import "github.com/shopspring/decimal"

// Package is a purchasable token bundle.
type Package struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Tokens int64           `json:"tokens"`
	Price  decimal.Decimal `json:"price"` // USD
}

// Operation is a paid generation operation with a fixed token cost.
type Operation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Cost int64  `json:"cost"`
}

// Catalog holds the packages and operations offered by the app.
type Catalog struct {
	packages   map[string]Package
	operations map[string]Operation
	order      []string // package listing order
}

func New(packages []Package, operations []Operation) *Catalog {
	c := &Catalog{
		packages:   make(map[string]Package, len(packages)),
		operations: make(map[string]Operation, len(operations)),
	}
	for _, p := range packages {
		c.packages[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	for _, op := range operations {
		c.operations[op.ID] = op
	}
	return c
}

// Default returns the stock catalog.
func Default() *Catalog {
	return New(
		[]Package{
			{ID: "10_tokens", Name: "Starter", Tokens: 10, Price: decimal.NewFromFloat(2.99)},
			{ID: "30_tokens", Name: "Standard", Tokens: 30, Price: decimal.NewFromFloat(6.99)},
			{ID: "100_tokens", Name: "Studio", Tokens: 100, Price: decimal.NewFromFloat(19.99)},
		},
		[]Operation{
			{ID: "portrait", Name: "Character portrait", Cost: 1},
			{ID: "character_sheet", Name: "Character sheet", Cost: 4},
			{ID: "scene", Name: "Full scene", Cost: 6},
		},
	)
}

// Package looks up a purchasable package by id.
func (c *Catalog) Package(id string) (Package, bool) {
	p, ok := c.packages[id]
	return p, ok
}

// Operation looks up a paid operation by id.
func (c *Catalog) Operation(id string) (Operation, bool) {
	op, ok := c.operations[id]
	return op, ok
}

// Packages lists packages in catalog order.
func (c *Catalog) Packages() []Package {
	out := make([]Package, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.packages[id])
	}
	return out
}

// PricePerToken returns the unit price of a package, for display.
func (p Package) PricePerToken() decimal.Decimal {
	if p.Tokens == 0 {
		return decimal.Zero
	}
	return p.Price.Div(decimal.NewFromInt(p.Tokens)).Round(4)
}
