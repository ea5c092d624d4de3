// Package ingest turns order spreadsheet exports into partitioned order rows.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/odyssey-erp/ordersettle/internal/orders"
)

var (
	// ErrEmptyWorkbook indicates a file without a header row.
	ErrEmptyWorkbook = errors.New("ingest: file has no header row")
	// ErrMissingRequiredColumn indicates the order number column is absent.
	ErrMissingRequiredColumn = errors.New("ingest: required column missing")
	// ErrTooManyRows indicates the file exceeds the configured row limit.
	ErrTooManyRows = errors.New("ingest: too many rows")
	// ErrUnreadableFile indicates the bytes are neither xlsx nor csv.
	ErrUnreadableFile = errors.New("ingest: unreadable file")
)

// RowError describes a data row that could not be turned into an order.
type RowError struct {
	Row       int      `json:"row"`
	RawValues []string `json:"raw_values"`
	Message   string   `json:"message"`
}

// ParseResult carries parsed orders and row-level failures.
type ParseResult struct {
	Records []orders.Order
	Errors  []RowError
	// DataRows counts data rows that produced a record. Rows with content only
	// in unrecognised columns are reported in Errors instead.
	DataRows int
}

// Parser converts tabular order exports into typed orders.
type Parser struct {
	loc     *time.Location
	maxRows int
}

// NewParser constructs a parser. Dates without zone information are read in loc;
// maxRows <= 0 disables the row limit.
func NewParser(loc *time.Location, maxRows int) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc, maxRows: maxRows}
}

var zipMagic = []byte("PK\x03\x04")

// Parse reads an .xlsx workbook (first sheet) or a CSV file. CSV content that is
// not valid UTF-8 is decoded as GBK.
func (p *Parser) Parse(data []byte) (ParseResult, error) {
	var (
		rows [][]string
		err  error
	)
	if bytes.HasPrefix(data, zipMagic) {
		rows, err = readWorkbook(data)
	} else {
		rows, err = readCSV(data)
	}
	if err != nil {
		return ParseResult{}, err
	}
	return p.ParseRows(rows)
}

func readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer func() {
		_ = f.Close()
	}()
	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptyWorkbook
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrUnreadableFile, sheet, err)
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	var r io.Reader = bytes.NewReader(data)
	if !utf8.Valid(data) {
		r = transform.NewReader(r, simplifiedchinese.GBK.NewDecoder())
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	return rows, nil
}

// ParseRows parses a header row followed by data rows. A missing order number
// column rejects the whole file; every other failure is isolated to its row.
func (p *Parser) ParseRows(rows [][]string) (ParseResult, error) {
	if len(rows) == 0 {
		return ParseResult{}, ErrEmptyWorkbook
	}
	cols := indexHeader(rows[0])
	if _, ok := cols[fieldExternalOrderID]; !ok {
		return ParseResult{}, fmt.Errorf("%w: order number", ErrMissingRequiredColumn)
	}

	var result ParseResult
	seen := 0
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		seen++
		if p.maxRows > 0 && seen > p.maxRows {
			return ParseResult{}, fmt.Errorf("%w: limit %d", ErrTooManyRows, p.maxRows)
		}
		rowNum := i + 2
		if !cols.populated(row) {
			result.Errors = append(result.Errors, RowError{Row: rowNum, RawValues: row, Message: "no recognised column has a value"})
			continue
		}
		result.DataRows++
		order := p.parseRow(cols, row)
		order.SourceRow = rowNum
		result.Records = append(result.Records, order)
	}
	return result, nil
}

// parseRow always yields a record. An empty or malformed order number leaves
// ClientID zero so the record is routed to the abnormal table.
func (p *Parser) parseRow(cols columnIndex, row []string) orders.Order {
	externalID := cols.value(row, fieldExternalOrderID)
	o := orders.Order{
		ExternalOrderID:  externalID,
		CountryCode:      strings.ToUpper(cols.value(row, fieldCountryCode)),
		Quantity:         parseInt(cols.value(row, fieldQuantity)),
		BuyerName:        cols.value(row, fieldBuyerName),
		ProductName:      cols.value(row, fieldProductName),
		PaymentTime:      p.parseTime(cols.value(row, fieldPaymentTime)),
		WaybillNumber:    cols.value(row, fieldWaybillNumber),
		SKU:              cols.value(row, fieldSKU),
		SPU:              cols.value(row, fieldSPU),
		ParentSPU:        cols.value(row, fieldParentSPU),
		DiscountRate:     parseRate(cols.value(row, fieldDiscountRate)),
		OrderStatus:      cols.value(row, fieldOrderStatus),
		SettlementStatus: orders.StatusWaiting,
		Remarks: orders.NewRemarks(
			cols.value(row, fieldRemarkCustomer),
			cols.value(row, fieldRemarkPicking),
			cols.value(row, fieldRemarkOrder),
		),
	}
	if clientID, seqID, err := orders.ParseCompoundID(externalID); err == nil {
		o.ClientID = clientID
		o.SequenceID = seqID
	}
	return o
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseInt accepts "3" and spreadsheet renderings such as "3.0"; anything else is nil.
func parseInt(s string) *int {
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return nil
	}
	n := int(f)
	return &n
}

// parseRate reads "0.9", "90%" or "90" (values above 1 are percentages). Rates
// outside (0, 1] are nil.
func parseRate(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	percent := strings.HasSuffix(s, "%")
	d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(s, "%")))
	if err != nil {
		return decimal.NullDecimal{}
	}
	hundred := decimal.NewFromInt(100)
	if percent || d.GreaterThan(decimal.NewFromInt(1)) {
		d = d.Div(hundred)
	}
	if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
	"2006/1/2 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006/1/2",
	"01/02/2006 15:04",
	"01/02/2006",
}

// parseTime accepts a spreadsheet date serial or one of timeLayouts; nil on failure.
func (p *Parser) parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if serial <= 0 {
			return nil
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return nil
		}
		local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, p.loc)
		return &local
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return &t
		}
	}
	return nil
}
