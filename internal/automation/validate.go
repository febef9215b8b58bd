package automation

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// ValidateProduct checks the struct tags on a scraped product.
func ValidateProduct(p ProductData) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("product %q: %w", p.SourceURL, err)
	}
	return nil
}
