package ingest

import "strings"

type field int

const (
	fieldExternalOrderID field = iota + 1
	fieldCountryCode
	fieldQuantity
	fieldBuyerName
	fieldProductName
	fieldPaymentTime
	fieldWaybillNumber
	fieldSKU
	fieldSPU
	fieldParentSPU
	fieldDiscountRate
	fieldOrderStatus
	fieldRemarkCustomer
	fieldRemarkPicking
	fieldRemarkOrder
)

// headerAliases maps export column labels onto canonical fields. Labels are
// compared after normalizeHeader.
var headerAliases = map[string]field{
	"订单号":             fieldExternalOrderID,
	"order number":    fieldExternalOrderID,
	"order no":        fieldExternalOrderID,
	"国家二字码":           fieldCountryCode,
	"国家代码":            fieldCountryCode,
	"country code":    fieldCountryCode,
	"产品总数":            fieldQuantity,
	"product total":   fieldQuantity,
	"quantity":        fieldQuantity,
	"买家姓名":            fieldBuyerName,
	"buyer name":      fieldBuyerName,
	"产品名称":            fieldProductName,
	"product name":    fieldProductName,
	"付款时间":            fieldPaymentTime,
	"payment time":    fieldPaymentTime,
	"运单号":             fieldWaybillNumber,
	"waybill number":  fieldWaybillNumber,
	"sku":             fieldSKU,
	"spu":             fieldSPU,
	"替换spu":           fieldParentSPU,
	"replacement spu": fieldParentSPU,
	"折扣":              fieldDiscountRate,
	"discount":        fieldDiscountRate,
	"订单状态":            fieldOrderStatus,
	"order status":    fieldOrderStatus,
	"客服备注":            fieldRemarkCustomer,
	"customer remark": fieldRemarkCustomer,
	"拣货备注":            fieldRemarkPicking,
	"picking remark":  fieldRemarkPicking,
	"订单备注":            fieldRemarkOrder,
	"order remark":    fieldRemarkOrder,
}

func normalizeHeader(label string) string {
	label = strings.TrimPrefix(label, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// columnIndex maps each recognised canonical field to its column position.
// Unknown columns are ignored; the first occurrence of a field wins.
type columnIndex map[field]int

func indexHeader(header []string) columnIndex {
	idx := make(columnIndex)
	for i, label := range header {
		f, ok := headerAliases[normalizeHeader(label)]
		if !ok {
			continue
		}
		if _, seen := idx[f]; !seen {
			idx[f] = i
		}
	}
	return idx
}

func (c columnIndex) value(row []string, f field) string {
	i, ok := c[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// populated reports whether any recognised column of row holds a value.
func (c columnIndex) populated(row []string) bool {
	for f := range c {
		if c.value(row, f) != "" {
			return true
		}
	}
	return false
}
