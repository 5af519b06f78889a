package xero

// ResourceType names a Xero transaction collection.
type ResourceType string

const (
	ResourceInvoices         ResourceType = "Invoices"
	ResourceBankTransactions ResourceType = "BankTransactions"
	ResourceReceipts         ResourceType = "Receipts"
	ResourcePurchaseOrders   ResourceType = "PurchaseOrders"
)

// AllResourceTypes is the fetch order used by the detection pipeline.
var AllResourceTypes = []ResourceType{
	ResourceInvoices,
	ResourceBankTransactions,
	ResourceReceipts,
	ResourcePurchaseOrders,
}

// Transaction is the subset of a Xero transaction the pipeline cares about.
// The same shape is returned for all four resource types; Xero uses a
// type-specific ID field per collection, so each alias is mapped onto ID.
type Transaction struct {
	ID                string  `json:"TransactionID"`
	InvoiceID         string  `json:"InvoiceID,omitempty"`
	BankTransactionID string  `json:"BankTransactionID,omitempty"`
	ReceiptID         string  `json:"ReceiptID,omitempty"`
	PurchaseOrderID   string  `json:"PurchaseOrderID,omitempty"`
	Total             float64 `json:"Total"`
	TotalTax          float64 `json:"TotalTax"`
	CurrencyCode      string  `json:"CurrencyCode"`
	Date              string  `json:"DateString,omitempty"`
	Reference         string  `json:"Reference,omitempty"`
	HasAttachments    bool    `json:"HasAttachments"`

	Contact struct {
		Name string `json:"Name"`
	} `json:"Contact"`

	// Set locally after fetch; never sent upstream.
	Type      ResourceType `json:"-"`
	CompanyID string       `json:"-"`
}

// TransactionID returns the collection-specific identifier for the
// transaction, falling back through the per-type ID fields.
func (t *Transaction) TransactionID() string {
	for _, id := range []string{t.ID, t.InvoiceID, t.BankTransactionID, t.ReceiptID, t.PurchaseOrderID} {
		if id != "" {
			return id
		}
	}
	return ""
}

type page struct {
	Invoices         []Transaction `json:"Invoices"`
	BankTransactions []Transaction `json:"BankTransactions"`
	Receipts         []Transaction `json:"Receipts"`
	PurchaseOrders   []Transaction `json:"PurchaseOrders"`
	Message          string        `json:"Message"`
}

func (p *page) records(resource ResourceType) []Transaction {
	switch resource {
	case ResourceInvoices:
		return p.Invoices
	case ResourceBankTransactions:
		return p.BankTransactions
	case ResourceReceipts:
		return p.Receipts
	case ResourcePurchaseOrders:
		return p.PurchaseOrders
	default:
		return nil
	}
}
