package history

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/bucket"
	"github.com/vjranagit/histmanager/pkg/types"
)

var validate = validator.New()

// AggregateRequest asks for a bucketed series per item over [From, To]
type AggregateRequest struct {
	Items    []types.Item   `json:"items" validate:"required,min=1"`
	From     int64          `json:"time_from" validate:"gte=0"`
	To       int64          `json:"time_to" validate:"gtfield=From"`
	Width    int            `json:"width" validate:"gt=0"`
	Function types.Function `json:"function" validate:"required"`
}

// IntervalRequest is AggregateRequest with an explicit interval instead of a width
type IntervalRequest struct {
	Items    []types.Item   `json:"items" validate:"required,min=1"`
	From     int64          `json:"time_from" validate:"gte=0"`
	To       int64          `json:"time_to" validate:"gtfield=From"`
	Interval int64          `json:"interval" validate:"gt=0"`
	Function types.Function `json:"function" validate:"required"`
}

// ToWidth converts the request into the equivalent width-based request
func (r IntervalRequest) ToWidth() (AggregateRequest, error) {
	if err := checkStruct(r); err != nil {
		return AggregateRequest{}, err
	}
	width, err := bucket.WidthFor(r.From, r.To, r.Interval)
	if err != nil {
		return AggregateRequest{}, invalid("interval", "%v", err)
	}
	return AggregateRequest{
		Items:    r.Items,
		From:     r.From,
		To:       r.To,
		Width:    width,
		Function: r.Function,
	}, nil
}

// Validate checks the request and the function/value type combinations
func (r AggregateRequest) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	if !r.Function.Valid() {
		return invalid("function", "unknown aggregation function %d", r.Function)
	}
	for _, item := range r.Items {
		if !item.ValueType.Valid() {
			return invalid("items", "item %d has unknown value type %d", item.ItemID, item.ValueType)
		}
		if !aggregate.Supports(r.Function, item.ValueType) {
			return invalid("function", "%s is not supported for %s item %d", r.Function, item.ValueType, item.ItemID)
		}
	}
	return nil
}

func checkStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &InvalidRequestError{
			Field:  fe.Field(),
			Reason: fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &InvalidRequestError{Reason: err.Error()}
}

// dedupe drops repeated item ids, keeping the first occurrence
func dedupe(items []types.Item) []types.Item {
	seen := make(map[uint64]bool, len(items))
	out := make([]types.Item, 0, len(items))
	for _, item := range items {
		if seen[item.ItemID] {
			continue
		}
		seen[item.ItemID] = true
		out = append(out, item)
	}
	return out
}
