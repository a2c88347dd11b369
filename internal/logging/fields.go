package logging

// Standardized attribute keys used across components so log lines stay
// greppable and the console handler can promote well-known fields.
const (
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldVariant   = "variant"
	FieldOpID      = "op_id"
	FieldOperation = "operation"
	FieldModel     = "model"
	FieldPercent   = "percent"
	FieldStatus    = "status"
	FieldPath      = "path"
	FieldPort      = "port"
	FieldPID       = "pid"
)
