// Package instrument serves live readings from a Provider over Connect RPC.
//
// An instrument is the remote end a recorder polls: Describe lists the fields
// it offers and Fetch returns the current value of each requested field.
// Message types are plain structs carried by the rpcjson codec and shared
// with the client in source/rpcsource.
package instrument

// ServiceName is the fully-qualified RPC service name.
const ServiceName = "labrecorder.instrument.v1.InstrumentService"

const (
	// DescribeProcedure lists the fields an instrument offers.
	DescribeProcedure = "/" + ServiceName + "/Describe"
	// FetchProcedure reads current field values.
	FetchProcedure = "/" + ServiceName + "/Fetch"
)

// DescribeRequest is empty.
type DescribeRequest struct{}

// DescribeResponse names the provider and its fields.
type DescribeResponse struct {
	Provider string   `json:"provider"`
	Fields   []string `json:"fields"`
}

// FetchRequest selects fields. An empty list selects all of them.
type FetchRequest struct {
	Fields []string `json:"fields,omitempty"`
}

// FetchResponse carries one value per selected field.
type FetchResponse struct {
	Values map[string]any `json:"values"`
}
