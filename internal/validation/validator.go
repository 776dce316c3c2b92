// Package validation parses inbound mutation frames into tagged operation
// variants. Frames that fail here never reach the database.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

// ValidationError reports a malformed frame with the offending field paths.
// Always non-retryable.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (fields: %s)", e.Message, strings.Join(e.Fields, ", "))
}

// Validator schema-validates workflow operations and sub-block updates
type Validator struct {
	logger        observability.Logger
	blockSchema   *gojsonschema.Schema
	edgeSchema    *gojsonschema.Schema
	subflowSchema *gojsonschema.Schema
}

// NewValidator compiles the payload schemas. Compilation failures are
// programming errors and panic at startup.
func NewValidator(logger observability.Logger) *Validator {
	return &Validator{
		logger:        logger,
		blockSchema:   mustCompile(blockPayloadSchema),
		edgeSchema:    mustCompile(edgePayloadSchema),
		subflowSchema: mustCompile(subflowPayloadSchema),
	}
}

func mustCompile(schema map[string]interface{}) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid operation schema: %v", err))
	}
	return compiled
}

var blockPayloadSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"id"},
	"properties": map[string]interface{}{
		"id":       map[string]interface{}{"type": "string", "minLength": 1},
		"sourceId": map[string]interface{}{"type": "string"},
		"type":     map[string]interface{}{"type": "string"},
		"name":     map[string]interface{}{"type": "string"},
		"position": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"x", "y"},
			"properties": map[string]interface{}{
				"x": map[string]interface{}{"type": "number"},
				"y": map[string]interface{}{"type": "number"},
			},
		},
		"data":              map[string]interface{}{"type": "object"},
		"subBlocks":         map[string]interface{}{"type": "object"},
		"outputs":           map[string]interface{}{"type": "object"},
		"parentId":          map[string]interface{}{"type": []interface{}{"string", "null"}},
		"extent":            map[string]interface{}{"enum": []interface{}{"parent", nil}},
		"enabled":           map[string]interface{}{"type": "boolean"},
		"horizontalHandles": map[string]interface{}{"type": "boolean"},
		"isWide":            map[string]interface{}{"type": "boolean"},
		"advancedMode":      map[string]interface{}{"type": "boolean"},
		"height":            map[string]interface{}{"type": "number"},
		"autoConnectEdge": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"id", "source", "target"},
			"properties": map[string]interface{}{
				"id":           map[string]interface{}{"type": "string", "minLength": 1},
				"source":       map[string]interface{}{"type": "string", "minLength": 1},
				"target":       map[string]interface{}{"type": "string", "minLength": 1},
				"sourceHandle": map[string]interface{}{"type": []interface{}{"string", "null"}},
				"targetHandle": map[string]interface{}{"type": []interface{}{"string", "null"}},
			},
		},
	},
}

var edgePayloadSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"id"},
	"properties": map[string]interface{}{
		"id":           map[string]interface{}{"type": "string", "minLength": 1},
		"source":       map[string]interface{}{"type": "string"},
		"target":       map[string]interface{}{"type": "string"},
		"sourceHandle": map[string]interface{}{"type": []interface{}{"string", "null"}},
		"targetHandle": map[string]interface{}{"type": []interface{}{"string", "null"}},
	},
}

var subflowPayloadSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"id"},
	"properties": map[string]interface{}{
		"id":     map[string]interface{}{"type": "string", "minLength": 1},
		"type":   map[string]interface{}{"enum": []interface{}{"loop", "parallel"}},
		"config": map[string]interface{}{"type": "object"},
	},
}

// requiredByBlockOp lists payload fields each block operation needs beyond id
var requiredByBlockOp = map[string][]string{
	models.OpAdd:       {"type", "name", "position"},
	models.OpDuplicate: {"type", "name", "position"},
	models.OpUpdatePosition: {"position"},
	models.OpUpdateName:     {"name"},
}

// ValidateOperation parses one workflow-operation frame into its tagged
// variant.
func (v *Validator) ValidateOperation(frame *models.OperationFrame) (*models.Operation, error) {
	if frame.Payload == nil {
		return nil, &ValidationError{Fields: []string{"payload"}, Message: "payload is required"}
	}

	op := &models.Operation{
		Operation:   frame.Operation,
		Target:      frame.Target,
		Timestamp:   frame.Timestamp,
		OperationID: frame.OperationID,
	}

	switch frame.Target {
	case models.TargetBlock:
		if !contains(models.BlockOperations, frame.Operation) {
			return nil, operationError(frame.Operation, frame.Target)
		}
		if err := v.validatePayload(v.blockSchema, frame.Payload); err != nil {
			return nil, err
		}
		if err := requireFields(frame.Payload, requiredByBlockOp[frame.Operation]); err != nil {
			return nil, err
		}
		payload := &models.BlockPayload{}
		if err := decodePayload(frame.Payload, payload); err != nil {
			return nil, err
		}
		op.Block = payload

	case models.TargetEdge:
		if !contains(models.EdgeOperations, frame.Operation) {
			return nil, operationError(frame.Operation, frame.Target)
		}
		if err := v.validatePayload(v.edgeSchema, frame.Payload); err != nil {
			return nil, err
		}
		if frame.Operation == models.OpAdd {
			if err := requireFields(frame.Payload, []string{"source", "target"}); err != nil {
				return nil, err
			}
		}
		payload := &models.EdgePayload{}
		if err := decodePayload(frame.Payload, payload); err != nil {
			return nil, err
		}
		op.Edge = payload

	case models.TargetSubflow:
		if !contains(models.SubflowOperations, frame.Operation) {
			return nil, operationError(frame.Operation, frame.Target)
		}
		if err := v.validatePayload(v.subflowSchema, frame.Payload); err != nil {
			return nil, err
		}
		payload := &models.SubflowPayload{}
		if err := decodePayload(frame.Payload, payload); err != nil {
			return nil, err
		}
		op.Subflow = payload

	default:
		return nil, &ValidationError{
			Fields:  []string{"target"},
			Message: fmt.Sprintf("unknown operation target %q", frame.Target),
		}
	}

	return op, nil
}

// ValidateSubblockUpdate parses a subblock-update frame
func (v *Validator) ValidateSubblockUpdate(data json.RawMessage) (*models.SubblockUpdate, error) {
	var update models.SubblockUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, &ValidationError{Message: "malformed subblock-update frame"}
	}

	var fields []string
	if update.BlockID == "" {
		fields = append(fields, "blockId")
	}
	if update.SubblockID == "" {
		fields = append(fields, "subblockId")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields, Message: "missing required fields"}
	}
	return &update, nil
}

func (v *Validator) validatePayload(schema *gojsonschema.Schema, payload map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return &ValidationError{Fields: []string{"payload"}, Message: "payload is not a valid object"}
	}
	if result.Valid() {
		return nil
	}

	fields := make([]string, 0, len(result.Errors()))
	messages := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		fields = append(fields, resultErr.Field())
		messages = append(messages, resultErr.String())
	}
	v.logger.Warn("Operation failed schema validation", map[string]interface{}{
		"errors": messages,
	})
	return &ValidationError{Fields: fields, Message: "payload failed schema validation"}
}

func requireFields(payload map[string]interface{}, required []string) error {
	var missing []string
	for _, field := range required {
		if value, ok := payload[field]; !ok || value == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Message: "missing required fields"}
	}
	return nil
}

func decodePayload(payload map[string]interface{}, dest interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Fields: []string{"payload"}, Message: "payload is not serializable"}
	}
	if err := json.Unmarshal(encoded, dest); err != nil {
		return &ValidationError{Fields: []string{"payload"}, Message: "payload has mismatched field types"}
	}
	return nil
}

func operationError(operation, target string) error {
	return &ValidationError{
		Fields:  []string{"operation"},
		Message: fmt.Sprintf("operation %q is not valid for target %q", operation, target),
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
