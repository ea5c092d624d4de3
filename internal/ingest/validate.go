package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/ordersettle/internal/orders"
)

// InvalidOrder pairs a record with the reason it failed validation.
type InvalidOrder struct {
	Order  orders.Order
	Reason string
}

// ValidationResult separates complete records from incomplete ones.
type ValidationResult struct {
	Valid   []orders.Order
	Invalid []InvalidOrder
}

// orderFields is the validator view over an order record.
type orderFields struct {
	ExternalOrderID string     `validate:"required,compound_id"`
	CountryCode     string     `validate:"required"`
	Quantity        *int       `validate:"required,min=1"`
	BuyerName       string     `validate:"required"`
	PaymentTime     *time.Time `validate:"required"`
	OrderStatus     string     `validate:"required"`
}

var fieldLabels = map[string]string{
	"ExternalOrderID": "order number",
	"CountryCode":     "country code",
	"Quantity":        "quantity",
	"BuyerName":       "buyer name",
	"PaymentTime":     "payment time",
	"OrderStatus":     "order status",
}

// Validator checks parsed orders for the fields settlement depends on.
type Validator struct {
	validate *validator.Validate
}

// NewValidator constructs a Validator with the compound id rule registered.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("compound_id", func(fl validator.FieldLevel) bool {
		return orders.ValidCompoundID(fl.Field().String())
	})
	return &Validator{validate: v}
}

// ValidateOrders splits records into valid and invalid sets. Refunded orders
// only need an order number and status.
func (v *Validator) ValidateOrders(records []orders.Order) ValidationResult {
	var result ValidationResult
	for _, o := range records {
		if err := v.check(o); err != nil {
			result.Invalid = append(result.Invalid, InvalidOrder{Order: o, Reason: err.Error()})
			continue
		}
		result.Valid = append(result.Valid, o)
	}
	return result
}

func (v *Validator) check(o orders.Order) error {
	view := orderFields{
		ExternalOrderID: o.ExternalOrderID,
		CountryCode:     o.CountryCode,
		Quantity:        o.Quantity,
		BuyerName:       o.BuyerName,
		PaymentTime:     o.PaymentTime,
		OrderStatus:     o.OrderStatus,
	}
	var err error
	if o.IsRefunded() {
		if strings.TrimSpace(o.ExternalOrderID) == "" {
			return errors.New("order number is required")
		}
		err = v.validate.StructPartial(view, "OrderStatus")
	} else {
		err = v.validate.Struct(view)
	}
	return describe(err)
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		label := fieldLabels[fe.Field()]
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, label+" is required")
		case "compound_id":
			msgs = append(msgs, fmt.Sprintf("%s %q must look like <client>-<sequence>", label, fe.Value()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", label, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", label, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
