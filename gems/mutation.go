package gems

// Op is the kind of DOM mutation observed.
type Op string

const (
	OpInsert   Op = "insert"
	OpRemove   Op = "remove"
	OpText     Op = "text"
	OpAttr     Op = "attr"
	OpAttrDel  Op = "attr_del"
	OpDocReset Op = "doc_reset" // whole document replaced, node ids invalid
)

// Record is a single observed DOM mutation.
type Record struct {
	Op     Op     `json:"op"`
	NodeID int64  `json:"node_id,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Name   string `json:"name,omitempty"` // attribute name for attr ops
	Value  string `json:"value,omitempty"`
}

// Batch groups the records collected during one debounce window.
type Batch struct {
	ID        string   `json:"id"`
	Seq       uint64   `json:"seq"`
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds at flush
}
