package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"
)

type OpportunitySource string

const (
	SourceGoogleTrends OpportunitySource = "google_trends"
	SourceReddit       OpportunitySource = "reddit"
	SourceProductHunt  OpportunitySource = "product_hunt"
	SourceIndieHackers OpportunitySource = "indie_hackers"
)

type OpportunityDetectionPayload struct {
	Sources      []OpportunitySource `json:"sources"`
	ForceRefresh bool                `json:"forceRefresh,omitempty"`
}

type BusinessLaunchStepPayload struct {
	BusinessID string `json:"businessId"`
	UserID     string `json:"userId"`
	Step       int    `json:"step"`
}

type MetricsAggregationPayload struct {
	BusinessID string `json:"businessId"`
	Date       string `json:"date"`
}

// DateLayout is the calendar date format of MetricsAggregationPayload.Date.
const DateLayout = "2006-01-02"

const (
	opportunityDetectionSchema = `{
	"type": "object",
	"required": ["sources"],
	"properties": {
		"sources": {
			"type": "array",
			"minItems": 1,
			"uniqueItems": true,
			"items": {"type": "string", "enum": ["google_trends", "reddit", "product_hunt", "indie_hackers"]}
		},
		"forceRefresh": {"type": "boolean"}
	},
	"additionalProperties": false
}`
	businessLaunchStepSchema = `{
	"type": "object",
	"required": ["businessId", "userId", "step"],
	"properties": {
		"businessId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"step": {"type": "integer", "minimum": 1, "maximum": 8}
	},
	"additionalProperties": false
}`
	metricsAggregationSchema = `{
	"type": "object",
	"required": ["businessId", "date"],
	"properties": {
		"businessId": {"type": "string", "minLength": 1},
		"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
	},
	"additionalProperties": false
}`
)

var payloadSchemas = map[QueueName]*jsonschema.Schema{
	QueueOpportunityDetection: mustSchema(opportunityDetectionSchema),
	QueueBusinessLaunch:       mustSchema(businessLaunchStepSchema),
	QueueMetricsAggregation:   mustSchema(metricsAggregationSchema),
}

func mustSchema(src string) *jsonschema.Schema {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(src), rs); err != nil {
		panic(fmt.Sprintf("compile payload schema: %v", err))
	}
	return rs
}

// ValidatePayload checks raw against the shape expected by queue. Shape
// mismatches are reported as ErrInvalidPayload.
func ValidatePayload(ctx context.Context, queue QueueName, raw []byte) error {
	schema, ok := payloadSchemas[queue]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	keyErrs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(keyErrs) > 0 {
		msgs := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			msgs = append(msgs, ke.Error())
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
	}

	if queue == QueueMetricsAggregation {
		var p MetricsAggregationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if _, err := time.Parse(DateLayout, p.Date); err != nil {
			return fmt.Errorf("%w: date %q is not a calendar date", ErrInvalidPayload, p.Date)
		}
	}
	return nil
}
