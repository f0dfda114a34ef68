package report

import "regexp"

// registry holds the fixed per-report-type descriptors. These mirror the
// layouts the legacy POS and ERP systems actually print; they are versioned
// with the code, not user-configurable.
var registry = map[string]*Format{
	"daily_detail_sales": dailyDetailSales,
	"daily_sales_tax":    dailySalesTax,
	"inbound_shipments":  inboundShipments,
	"inbound_inventory":  inboundInventory,
}

// dailyDetailSales is the multi-section POS register report: a store banner,
// day sections closed by "MM/DD/YY Transaction Totals:" rows, a void
// disclaimer footer, and monetary columns printed with inverted sign.
var dailyDetailSales = &Format{
	Name:      "daily_detail_sales",
	Table:     "daily_detail_sales",
	Delimiter: '\t',
	HeaderTokens: []string{
		"Trns No", "Customer Name",
	},
	Banner: &BannerRule{
		Pattern:  regexp.MustCompile(`For Store No:\s*(\d+)`),
		Column:   "store_no",
		Sentinel: "UNKNOWN",
	},
	FooterMarkers: []string{"* Indicates"},
	Marker: &MarkerRule{
		SourceColumn: "customer_name_id",
		Pattern:      regexp.MustCompile(`^(\d{2}/\d{2}/\d{2}) Transaction Totals:`),
		Column:       "transaction_date",
		DateLayout:   "01/02/06",
	},
	ZeroFillColumns: []string{
		"taxable_merch", "non_taxable_merch", "taxable_nonmerch",
		"non_tax_non_merch", "restock_charge", "sales_tax",
		"cash_amount", "check_amount", "bank_card_amt", "refund_amount",
		"applied_amount", "adjusted_amount", "ar_amount", "exchange",
		"financed", "exception",
	},
	FlipColumns: []string{
		"taxable_merch", "non_taxable_merch", "taxable_nonmerch",
		"non_tax_non_merch", "restock_charge", "sales_tax",
	},
	StripRunes: map[string]string{
		"ar_amount": "*",
	},
	RequiredKey:       "trns_no",
	RequireNumericKey: true,
	Derived: []DerivedColumn{
		{
			Name: "written_sales_total",
			Addends: []string{
				"taxable_merch", "non_taxable_merch", "taxable_nonmerch",
				"non_tax_non_merch", "restock_charge",
			},
		},
		{
			Name:    "written_sales_grand_total",
			Addends: []string{"written_sales_total", "sales_tax"},
		},
	},
	Columns: []Column{
		{Name: "transaction_date", Required: true},
		{Name: "store_no", Required: true},
		{Name: "customer_name_id", Required: true},
		{Name: "trns_no", Required: true},
		{Name: "online_trans"},
		{Name: "trans_desc"},
		{Name: "taxable_merch", Required: true},
		{Name: "non_taxable_merch", Required: true},
		{Name: "taxable_nonmerch", Required: true},
		{Name: "non_tax_non_merch", Required: true},
		{Name: "restock_charge", Required: true},
		{Name: "written_sales_total", Required: true},
		{Name: "sales_tax", Required: true},
		{Name: "written_sales_grand_total", Required: true},
	},
}

// dailySalesTax is the tax-detail extract: two summary lines above the
// header, one row per transaction, delivery address breakdown. The upstream
// system truncates trailing columns on some stores, so everything except the
// transaction number is optional and emitted as null when absent.
var dailySalesTax = &Format{
	Name:      "daily_sales_tax",
	Table:     "daily_sales_tax",
	Delimiter: '\t',
	SkipLines: 2,
	DateColumns: map[string]string{
		"trns_date": "",
	},
	ZeroFillColumns: []string{
		"sales_tax_rate", "taxable_merch", "non_taxable_merch",
		"taxable_nonmerch", "non_tax_non_merch", "restock_charge", "sales_tax",
	},
	RequiredKey: "trns_no",
	Renames: map[string]string{
		"customer_name_id": "customer_name",
		"trns_no":          "transaction_no",
		"trns_date":        "transaction_date",
		"online_trans":     "online_transaction",
		"org_inv_no":       "original_invoice",
		"trans_desc":       "transaction_description",
	},
	AddFilename:   true,
	AddReportDate: true,
	Columns: []Column{
		{Name: "store_no"},
		{Name: "customer_name"},
		{Name: "transaction_no", Required: true},
		{Name: "transaction_date"},
		{Name: "online_transaction"},
		{Name: "original_invoice"},
		{Name: "transaction_description"},
		{Name: "sales_tax_rate"},
		{Name: "delivery_address_1"},
		{Name: "delivery_address_2"},
		{Name: "delivery_city"},
		{Name: "delivery_state"},
		{Name: "delivery_zip_code"},
		{Name: "taxable_merch"},
		{Name: "non_taxable_merch"},
		{Name: "taxable_nonmerch"},
		{Name: "non_tax_non_merch"},
		{Name: "restock_charge"},
		{Name: "sales_tax"},
		{Name: "filename", Required: true},
		{Name: "report_date", Required: true},
	},
}

// inboundShipments is the ERP purchase-order shipment extract. Its header
// carries non-printable padding characters and the report is useless when
// any expected column is missing, so the full projection is required.
var inboundShipments = &Format{
	Name:      "inbound_shipments",
	Table:     "inbound_shipments",
	Delimiter: '\t',
	HeaderTokens: []string{
		"Vendor No",
	},
	DateColumns: map[string]string{
		"eta_date":         "",
		"rqst_ship_date":   "",
		"confirm_date":     "",
		"item_create_date": "",
		"report_date":      "",
		"po_create_date":   "",
	},
	NumericColumns: []string{"qty", "last_cost", "avail_qty"},
	Columns: []Column{
		{Name: "vendor_no", Required: true},
		{Name: "stock_no", Required: true},
		{Name: "product_name", Required: true},
		{Name: "division", Required: true},
		{Name: "dept", Required: true},
		{Name: "eta_week", Required: true},
		{Name: "eta_date", Required: true},
		{Name: "rqst_ship_date", Required: true},
		{Name: "confirm_date", Required: true},
		{Name: "qty", Required: true},
		{Name: "po_no", Required: true},
		{Name: "container_no", Required: true},
		{Name: "confirmation_no", Required: true},
		{Name: "last_cost", Required: true},
		{Name: "item_create_date", Required: true},
		{Name: "avail_qty", Required: true},
		{Name: "report_date", Required: true},
		{Name: "po_create_date", Required: true},
	},
}

// inboundInventory is the plain availability extract: header on the first
// line, no banner, no sections.
var inboundInventory = &Format{
	Name:      "inbound_inventory",
	Table:     "inbound_inventory",
	Delimiter: '\t',
	DateColumns: map[string]string{
		"eta_date": "",
	},
	NumericColumns: []string{"qty"},
	Columns: []Column{
		{Name: "stock_no"},
		{Name: "product_name"},
		{Name: "eta_date", Required: true},
		{Name: "qty", Required: true},
	},
}
