// Package orders holds the sharded order line-item model and its persistence.
package orders

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus enumerates the settlement lifecycle of an order line item.
type SettlementStatus string

const (
	// StatusWaiting marks orders not yet priced.
	StatusWaiting SettlementStatus = "waiting"
	// StatusCalculated marks orders with a settlement amount awaiting ledger execution.
	StatusCalculated SettlementStatus = "calculated"
	// StatusSettled marks orders rolled into a settlement record.
	StatusSettled SettlementStatus = "settled"
	// StatusCancel marks orders excluded from settlement.
	StatusCancel SettlementStatus = "cancel"
)

// Valid reports whether s is a known status.
func (s SettlementStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalculated, StatusSettled, StatusCancel:
		return true
	}
	return false
}

// UpsellSKU is the placeholder SKU used for upsell lines that are never settled.
const UpsellSKU = "Upsell"

var (
	refundedStatuses  = []string{"refunded", "已退款"}
	doNotSettleMarker = []string{"不结算", "do not settle"}
)

// Remarks carries the three free-text remark columns of an export.
type Remarks struct {
	Customer string `json:"customer,omitempty"`
	Picking  string `json:"picking,omitempty"`
	Order    string `json:"order,omitempty"`
}

// NewRemarks returns nil unless at least one remark is non-empty.
func NewRemarks(customer, picking, order string) *Remarks {
	r := Remarks{
		Customer: strings.TrimSpace(customer),
		Picking:  strings.TrimSpace(picking),
		Order:    strings.TrimSpace(order),
	}
	if r.Customer == "" && r.Picking == "" && r.Order == "" {
		return nil
	}
	return &r
}

// Order is one line item of one external order.
type Order struct {
	ID                  int64
	ExternalOrderID     string
	ClientID            int64
	SequenceID          int64
	CountryCode         string
	Quantity            *int
	BuyerName           string
	ProductName         string
	PaymentTime         *time.Time
	WaybillNumber       string
	SKU                 string
	SPU                 string
	ParentSPU           string
	UnitPrice           decimal.NullDecimal
	MultiUnitTotalPrice decimal.NullDecimal
	DiscountRate        decimal.NullDecimal
	SettlementAmount    decimal.NullDecimal
	OrderStatus         string
	Remarks             *Remarks
	SettlementStatus    SettlementStatus
	SettlementNote      string
	SettlementRecordID  string
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// SourceRow is the 1-based spreadsheet row the order was parsed from; not persisted.
	SourceRow int
}

// Qty returns the quantity or zero when unknown.
func (o Order) Qty() int {
	if o.Quantity == nil {
		return 0
	}
	return *o.Quantity
}

// SettlementTime places an order on the settlement calendar. Orders without a
// payment time, such as refunded rows, fall on the day they were ingested.
func (o Order) SettlementTime() time.Time {
	if o.PaymentTime != nil {
		return *o.PaymentTime
	}
	return o.CreatedAt
}

// IsRefunded reports whether the external status marks the order as refunded.
func (o Order) IsRefunded() bool {
	status := strings.TrimSpace(o.OrderStatus)
	for _, s := range refundedStatuses {
		if strings.EqualFold(status, s) {
			return true
		}
	}
	return false
}

type remarkField struct {
	name  string
	value string
}

// DoNotSettleIn returns the name of the first remark field carrying a
// do-not-settle marker.
func (o Order) DoNotSettleIn() (string, bool) {
	fields := make([]remarkField, 0, 4)
	if o.Remarks != nil {
		fields = append(fields,
			remarkField{"customer remark", o.Remarks.Customer},
			remarkField{"picking remark", o.Remarks.Picking},
			remarkField{"order remark", o.Remarks.Order},
		)
	}
	fields = append(fields, remarkField{"settlement note", o.SettlementNote})
	for _, f := range fields {
		lower := strings.ToLower(f.value)
		for _, marker := range doNotSettleMarker {
			if strings.Contains(lower, marker) {
				return f.name, true
			}
		}
	}
	return "", false
}

// IsUpsell reports whether the line is an upsell placeholder.
func (o Order) IsUpsell() bool {
	return o.SKU == UpsellSKU
}

// AbnormalOrder is an order that could not be routed to a partition.
type AbnormalOrder struct {
	Order      Order
	ParseError string
}

var compoundIDPattern = regexp.MustCompile(`^(\d+)-(\d+)$`)

// ErrMalformedOrderID indicates the external order id is not "<clientId>-<sequenceId>".
var ErrMalformedOrderID = errors.New("orders: external order id must match <digits>-<digits>")

// ParseCompoundID splits an external order id into client and sequence ids.
func ParseCompoundID(externalID string) (clientID, sequenceID int64, err error) {
	m := compoundIDPattern.FindStringSubmatch(strings.TrimSpace(externalID))
	if m == nil {
		return 0, 0, ErrMalformedOrderID
	}
	clientID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedOrderID
	}
	sequenceID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedOrderID
	}
	return clientID, sequenceID, nil
}

// ValidCompoundID reports whether ParseCompoundID would succeed.
func ValidCompoundID(externalID string) bool {
	_, _, err := ParseCompoundID(externalID)
	return err == nil
}

// Window is a half-open interval [From, To) over Order.SettlementTime.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// DayWindow covers whole calendar days start..end inclusive in loc, i.e.
// start 00:00:00 up to and including end 23:59:59.
func DayWindow(start, end time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return Window{From: from, To: to}
}
