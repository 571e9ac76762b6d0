package cel

var RuleExamples = map[string]string{
	"non_empty_payload":   `size(payload) > 0`,
	"has_field":           `has(payload.order_id) && payload.order_id != ""`,
	"numeric_range":       `payload.amount >= 0.0 && payload.amount <= 10000.0`,
	"in_list":             `payload.type in ["order", "refund", "adjustment"]`,
	"id_prefix":           `id.startsWith("ord-")`,
	"retry_budget":        `max_retries <= 10`,
	"fresh_retry_counter": `retries == 0`,
	"nested_field":        `payload.customer.tier == "premium"`,
}
