package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func buildWorkbook(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		values := row
		require.NoError(t, f.SetSheetRow(sheet, cell, &values))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

var exportHeader = []any{"订单号", "国家二字码", "产品总数", "买家姓名", "产品名称", "付款时间", "运单号", "SKU", "SPU", "替换SPU", "折扣", "订单状态", "客服备注", "拣货备注", "订单备注", "Unknown Column"}

func TestParseWorkbookMapsColumns(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	data := buildWorkbook(t,
		exportHeader,
		[]any{"42-1001", "us", 2, " Alice ", "Mug", 45306.4375, "WB1", "MUG-RED", "MUG", "", "90%", "shipped", "", "fragile", "", "ignored"},
		[]any{},
		[]any{"42-1002", "US", 3, "Alice", "Mug", "2024-01-15 11:00:00", "WB2", "MUG-BLUE", "", "MUG-X", "0.8", "shipped", "", "", "", ""},
	)

	res, err := NewParser(loc, 0).Parse(data)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 2, res.DataRows)
	require.Len(t, res.Records, 2)

	first := res.Records[0]
	require.Equal(t, "42-1001", first.ExternalOrderID)
	require.Equal(t, int64(42), first.ClientID)
	require.Equal(t, int64(1001), first.SequenceID)
	require.Equal(t, "US", first.CountryCode)
	require.Equal(t, 2, first.Qty())
	require.Equal(t, "Alice", first.BuyerName)
	require.NotNil(t, first.PaymentTime)
	require.True(t, first.PaymentTime.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, loc)))
	require.True(t, first.DiscountRate.Valid)
	require.True(t, first.DiscountRate.Decimal.Equal(decimal.RequireFromString("0.9")))
	require.NotNil(t, first.Remarks)
	require.Equal(t, "fragile", first.Remarks.Picking)
	require.Equal(t, 2, first.SourceRow)

	second := res.Records[1]
	require.Equal(t, 4, second.SourceRow)
	require.Equal(t, "MUG-X", second.ParentSPU)
	require.Nil(t, second.Remarks)
	require.True(t, second.PaymentTime.Equal(time.Date(2024, 1, 15, 11, 0, 0, 0, loc)))
}

func TestParseRejectsMissingOrderColumn(t *testing.T) {
	data := buildWorkbook(t, []any{"Country Code", "Buyer Name"}, []any{"US", "Bob"})
	_, err := NewParser(time.UTC, 0).Parse(data)
	require.True(t, errors.Is(err, ErrMissingRequiredColumn))
}

func TestParseEmptyFile(t *testing.T) {
	_, err := NewParser(time.UTC, 0).ParseRows(nil)
	require.True(t, errors.Is(err, ErrEmptyWorkbook))
}

func TestParseIsolatesRowFailures(t *testing.T) {
	rows := [][]string{
		{"Order Number", "Quantity", "Payment Time", "Notes"},
		{"7-1", "abc", "not a date", ""},
		{"", "", "", "see attached sheet"},
	}
	res, err := NewParser(time.UTC, 0).ParseRows(rows)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 3, res.Errors[0].Row)
	require.Equal(t, []string{"", "", "", "see attached sheet"}, res.Errors[0].RawValues)
	require.Equal(t, 1, res.DataRows)
	require.Len(t, res.Records, 1)
	require.Nil(t, res.Records[0].Quantity)
	require.Nil(t, res.Records[0].PaymentTime)
}

func TestParseKeepsRowWithEmptyOrderNumber(t *testing.T) {
	rows := [][]string{
		{"Order Number", "Quantity", "Payment Time"},
		{"", "1", "2024-01-01"},
	}
	res, err := NewParser(time.UTC, 0).ParseRows(rows)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.DataRows)
	require.Len(t, res.Records, 1)
	require.Empty(t, res.Records[0].ExternalOrderID)
	require.Zero(t, res.Records[0].ClientID)
	require.Equal(t, 2, res.Records[0].SourceRow)
}

func TestParseMalformedIDStillReturned(t *testing.T) {
	rows := [][]string{{"order no"}, {"ABC-12"}}
	res, err := NewParser(time.UTC, 0).ParseRows(rows)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Zero(t, res.Records[0].ClientID)
}

func TestParseEnforcesRowLimit(t *testing.T) {
	rows := [][]string{{"订单号"}, {"1-1"}, {"1-2"}, {"1-3"}}
	_, err := NewParser(time.UTC, 2).ParseRows(rows)
	require.True(t, errors.Is(err, ErrTooManyRows))
}

func TestParseCSVDecodesGBK(t *testing.T) {
	csv := "订单号,买家姓名,产品总数\n5-9,张三,1\n"
	encoded, err := simplifiedchinese.GBK.NewEncoder().String(csv)
	require.NoError(t, err)

	res, err := NewParser(time.UTC, 0).Parse([]byte(encoded))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "张三", res.Records[0].BuyerName)
	require.Equal(t, 1, res.Records[0].Qty())
}

func TestParseCSVWithBOM(t *testing.T) {
	res, err := NewParser(time.UTC, 0).Parse([]byte("\ufeffOrder Number,SKU\n3-4,A1\n"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "A1", res.Records[0].SKU)
}

func TestParseRate(t *testing.T) {
	cases := map[string]string{
		"0.9":  "0.9",
		"90%":  "0.9",
		"90":   "0.9",
		"1":    "1",
		"100%": "1",
	}
	for in, want := range cases {
		got := parseRate(in)
		require.True(t, got.Valid, in)
		require.True(t, got.Decimal.Equal(decimal.RequireFromString(want)), in)
	}
	for _, in := range []string{"", "0", "-5", "150", "x"} {
		require.False(t, parseRate(in).Valid, in)
	}
}

func TestParseInt(t *testing.T) {
	require.Equal(t, 3, *parseInt("3"))
	require.Equal(t, 3, *parseInt("3.0"))
	require.Nil(t, parseInt("3.5"))
	require.Nil(t, parseInt("three"))
	require.Nil(t, parseInt(""))
}
