package billing

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// Quote is the result of pricing a checkout.
type Quote struct {
	OriginalAmount int64
	FinalAmount    int64
	DiscountAmount int64
	DiscountCode   string
	ReferrerID     *uint
}

// PriceCalculator prices a checkout. Implementations must be pure.
type PriceCalculator interface {
	Calculate(code string) (Quote, error)
}

// CodeTable prices checkouts from an in-memory discount code snapshot.
type CodeTable struct {
	base  int64
	codes map[string]models.DiscountCode
}

// NewCodeTable builds a calculator for the base price. Inactive or invalid
// codes are dropped.
func NewCodeTable(base int64, codes []models.DiscountCode) *CodeTable {
	t := &CodeTable{base: base, codes: make(map[string]models.DiscountCode, len(codes))}
	for _, c := range codes {
		if !c.Active || c.Validate() != nil {
			continue
		}
		t.codes[models.NormalizeDiscountCode(c.Code)] = c
	}
	return t
}

// LoadCodeTable reads active discount codes from the database.
func LoadCodeTable(db *gorm.DB, base int64) (*CodeTable, error) {
	var codes []models.DiscountCode
	if err := db.Where("active = ?", true).Find(&codes).Error; err != nil {
		return nil, fmt.Errorf("failed to load discount codes: %w", err)
	}
	return NewCodeTable(base, codes), nil
}

func (t *CodeTable) Calculate(code string) (Quote, error) {
	q := Quote{OriginalAmount: t.base, FinalAmount: t.base}
	normalized := models.NormalizeDiscountCode(code)
	if normalized == "" {
		return q, nil
	}

	dc, ok := t.codes[normalized]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrInvalidDiscountCode, normalized)
	}

	discount := t.base * int64(dc.PercentOff) / 100
	discount += dc.FixedOffMinor
	// Never discount below one minor unit, the gateway rejects zero charges.
	if discount > t.base-1 {
		discount = t.base - 1
	}

	q.FinalAmount = t.base - discount
	q.DiscountAmount = discount
	q.DiscountCode = normalized
	q.ReferrerID = dc.ReferrerID
	return q, nil
}
