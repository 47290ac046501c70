package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconciliation"
)

// Rules is the per-deployment processing configuration loaded from the rules file
type Rules struct {
	DefaultOrderColumn string              `yaml:"default_order_column" validate:"omitempty,oneof=id created_at updated_at"`
	BookkeepingFields  []string            `yaml:"bookkeeping_fields" validate:"dive,required"`
	EntityTypes        []EntityTypeRule    `yaml:"entity_types" validate:"dive"`
	SuppressionWindows []SuppressionWindow `yaml:"suppression_windows" validate:"dive"`
}

// EntityTypeRule configures one entity type
type EntityTypeRule struct {
	Name              string   `yaml:"name" validate:"required"`
	FreshnessDays     int      `yaml:"freshness_days" validate:"gt=0"`
	OrderColumn       string   `yaml:"order_column" validate:"omitempty,oneof=id created_at updated_at"`
	BookkeepingFields []string `yaml:"bookkeeping_fields" validate:"dive,required"`
}

// SuppressionWindow silences staleness findings for a period
type SuppressionWindow struct {
	Name        string    `yaml:"name" validate:"required"`
	From        time.Time `yaml:"from" validate:"required"`
	To          time.Time `yaml:"to" validate:"required"`
	EntityTypes []string  `yaml:"entity_types"`
}

var validate = validator.New()

// LoadRules reads and validates a rules file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document. Unknown keys are rejected.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Validate applies struct tag validation and the cross-field rules
func (r *Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}

	var errs []error
	seen := map[string]bool{}
	for _, et := range r.EntityTypes {
		if seen[et.Name] {
			errs = append(errs, fmt.Errorf("entity type %q is configured more than once", et.Name))
		}
		seen[et.Name] = true
	}

	for _, w := range r.SuppressionWindows {
		if w.From.After(w.To) {
			errs = append(errs, fmt.Errorf("suppression window %q starts after it ends", w.Name))
		}
		unknown := ectolinq.Filter(w.EntityTypes, func(name string) bool { return !seen[name] })
		for _, name := range unknown {
			errs = append(errs, fmt.Errorf("suppression window %q names unknown entity type %q", w.Name, name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid rules: %w", errors.Join(errs...))
	}
	return nil
}

// EntityTypeNames lists the configured entity types in file order
func (r *Rules) EntityTypeNames() []string {
	return ectolinq.Map(r.EntityTypes, func(et EntityTypeRule) string { return et.Name })
}

// DefaultOrder returns the global default order column
func (r *Rules) DefaultOrder() models.OrderColumn {
	if r.DefaultOrderColumn == "" {
		return models.DefaultOrderColumn
	}
	return models.OrderColumn(r.DefaultOrderColumn)
}

// OrderColumnsByType returns the per-type order column overrides
func (r *Rules) OrderColumnsByType() map[string]models.OrderColumn {
	out := map[string]models.OrderColumn{}
	for _, et := range r.EntityTypes {
		if et.OrderColumn != "" {
			out[et.Name] = models.OrderColumn(et.OrderColumn)
		}
	}
	return out
}

// BookkeepingByType returns the per-type bookkeeping fields
func (r *Rules) BookkeepingByType() map[string][]string {
	out := map[string][]string{}
	for _, et := range r.EntityTypes {
		if len(et.BookkeepingFields) > 0 {
			out[et.Name] = et.BookkeepingFields
		}
	}
	return out
}

// FreshnessRules converts the entity type rules for the reporter
func (r *Rules) FreshnessRules() []reconciliation.FreshnessRule {
	return ectolinq.Map(r.EntityTypes, func(et EntityTypeRule) reconciliation.FreshnessRule {
		return reconciliation.FreshnessRule{EntityType: et.Name, FreshnessDays: et.FreshnessDays}
	})
}

// Suppression converts the suppression windows for the reporter
func (r *Rules) Suppression() []reconciliation.SuppressionWindow {
	return ectolinq.Map(r.SuppressionWindows, func(w SuppressionWindow) reconciliation.SuppressionWindow {
		return reconciliation.SuppressionWindow{Name: w.Name, From: w.From, To: w.To, EntityTypes: w.EntityTypes}
	})
}
