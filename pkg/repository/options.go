package repository

import "errors"

// ListOptions defines pagination and sorting for list queries. Concrete
// filters live on the per-repository filter structs, so this stays limited
// to what every listing endpoint shares.
type ListOptions struct {
	// Offset is the number of records to skip
	Offset int `json:"offset"`

	// Limit is the maximum number of records to return
	Limit int `json:"limit"`

	// OrderBy is the field to sort by, e.g. "created_at"
	OrderBy string `json:"order_by"`

	// OrderDesc sorts in descending order
	OrderDesc bool `json:"order_desc"`
}

// Validate validates the ListOptions and sets defaults.
func (o *ListOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		return errors.New("limit exceeds maximum allowed value of 100")
	}
	if o.Offset < 0 {
		return errors.New("offset must be non-negative")
	}
	return nil
}
