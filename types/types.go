package types

// NodeType identifies the behaviour of a workflow node.
type NodeType string

const (
	NodeStart              NodeType = "start"
	NodeMessage            NodeType = "message"
	NodeCondition          NodeType = "condition"
	NodeAction             NodeType = "action"
	NodeClassifierResponse NodeType = "classifier_response"
	NodeDataCollection     NodeType = "data_collection"
	NodeTransferToHuman    NodeType = "transfer_to_human"
	NodeDelay              NodeType = "delay"
	NodeEnd                NodeType = "end"
	NodeWebhook            NodeType = "webhook"
	NodeAPICall            NodeType = "api_call"
)

// Workflow defines the structure of a bot workflow.
type Workflow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node represents a step in the workflow graph.
type Node struct {
	ID      string      `json:"id"`
	Type    NodeType    `json:"type"`
	Content NodeContent `json:"content"`
}

// NodeContent holds the type-specific payload of a node. Only the fields
// relevant to the node type are read.
type NodeContent struct {
	// Start, Message, ClassifierResponse (disambiguation), TransferToHuman, End.
	Text string `json:"text,omitempty"`

	// Condition.
	Condition *ConditionSpec `json:"condition,omitempty"`
	// Reply sent when a Condition matches no edge.
	Fallback string `json:"fallback,omitempty"`

	// DataCollection.
	Phase   string      `json:"phase,omitempty"`
	Fields  []FieldSpec `json:"fields,omitempty"`
	Confirm bool        `json:"confirm,omitempty"`

	// ClassifierResponse.
	Instructions string  `json:"instructions,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`

	// Action, ApiCall, Webhook.
	Action       string            `json:"action,omitempty"`
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ResultKey    string            `json:"result_key,omitempty"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	RetryDelayMs int               `json:"retry_delay_ms,omitempty"`

	// Delay.
	DelayMs int `json:"delay_ms,omitempty"`

	// TransferToHuman.
	Queue string `json:"queue,omitempty"`
}

// Edge is a directed transition between two nodes. Port labels the branch
// of a multi-branch node; Condition is an expression evaluated against the
// execution context.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Port      string `json:"port,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// ConditionKind enumerates the predicates a Condition node can evaluate.
type ConditionKind string

const (
	ConditionMenu     ConditionKind = "menu"
	ConditionKeyword  ConditionKind = "keyword"
	ConditionCoverage ConditionKind = "coverage"
	ConditionExpr     ConditionKind = "expr"
	ConditionFilled   ConditionKind = "filled"
)

// ConditionSpec parameterizes a Condition node.
type ConditionSpec struct {
	Kind ConditionKind `json:"kind"`
	// Menu options, matched by position number or label.
	Options []MenuOption `json:"options,omitempty"`
	// Keyword lists keyed by port.
	Keywords map[string][]string `json:"keywords,omitempty"`
	// Coverage lookup inputs: userData keys holding the insurance and procedure.
	InsuranceKey string `json:"insurance_key,omitempty"`
	ProcedureKey string `json:"procedure_key,omitempty"`
	// Fields that must all be present for the filled kind.
	Fields []string `json:"fields,omitempty"`
}

// MenuOption is a numbered menu entry routed to Port.
type MenuOption struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
	Port   string `json:"port"`
}

// FieldKind selects the validator applied to a collected field.
type FieldKind string

const (
	FieldName       FieldKind = "name"
	FieldNationalID FieldKind = "national_id"
	FieldBirthDate  FieldKind = "birth_date"
	FieldEmail      FieldKind = "email"
	FieldPhone      FieldKind = "phone"
	FieldInsurance  FieldKind = "insurance"
	FieldShift      FieldKind = "shift"
	FieldDate       FieldKind = "date"
	FieldText       FieldKind = "text"
)

// FieldSpec describes one field gathered by a DataCollection node.
type FieldSpec struct {
	Name         string    `json:"name"`
	Kind         FieldKind `json:"kind"`
	Label        string    `json:"label,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Optional     bool      `json:"optional,omitempty"`
}
