package crate

import (
	"encoding/json"
	"fmt"
)

// ManifestType discriminates the shape of a crate's content.
type ManifestType string

const (
	ManifestFieldDescription      ManifestType = "Field Description"
	ManifestConfigurationControls ManifestType = "Configuration Controls"
	ManifestStandardPayload       ManifestType = "Standard Payload Data"
	ManifestStandardTableData     ManifestType = "Standard Table Data"
	ManifestOperationalState      ManifestType = "Operational State"
	ManifestEventReport           ManifestType = "Standard Event Report"
	ManifestEventSubscription     ManifestType = "Standard Event Subscription"
)

// Manifest is the tagged union over crate content shapes. Concrete manifests
// are plain structs; serialization happens only at the storage boundary.
type Manifest interface {
	ManifestType() ManifestType
}

// Field is a named value used by payload and design-time crates.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FieldDescriptionList carries design-time field metadata produced during
// activity configuration.
type FieldDescriptionList struct {
	Fields []Field `json:"fields"`
}

func (FieldDescriptionList) ManifestType() ManifestType { return ManifestFieldDescription }

// ConfigurationControls carries the controls a terminal renders at design
// time. The hub treats the control definitions as opaque.
type ConfigurationControls struct {
	Controls []json.RawMessage `json:"controls"`
}

func (ConfigurationControls) ManifestType() ManifestType { return ManifestConfigurationControls }

// PayloadData is the run-time working data threaded through a container.
type PayloadData struct {
	Fields []Field `json:"fields"`
}

func (PayloadData) ManifestType() ManifestType { return ManifestStandardPayload }

// Get returns the first value for key and whether it was present.
func (p PayloadData) Get(key string) (string, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// TableData is tabular run-time data.
type TableData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

func (TableData) ManifestType() ManifestType { return ManifestStandardTableData }

// OperationalState records the engine's bookkeeping for a run: the last
// verdict a step returned plus any verdict arguments.
type OperationalState struct {
	CurrentVerdict string   `json:"current_verdict,omitempty"`
	TargetNodeID   string   `json:"target_node_id,omitempty"`
	TargetPlanID   string   `json:"target_plan_id,omitempty"`
	History        []string `json:"history,omitempty"`
}

func (OperationalState) ManifestType() ManifestType { return ManifestOperationalState }

// EventReport is an incoming external event delivered to the hub.
type EventReport struct {
	EventNames        []string `json:"event_names"`
	ExternalAccountID string   `json:"external_account_id,omitempty"`
	Manufacturer      string   `json:"manufacturer,omitempty"`
	Payload           []Field  `json:"payload,omitempty"`
}

func (EventReport) ManifestType() ManifestType { return ManifestEventReport }

// EventSubscription declares which external events a plan listens for. An
// empty Manufacturer or ExternalAccountID acts as a wildcard.
type EventSubscription struct {
	EventNames        []string `json:"event_names"`
	Manufacturer      string   `json:"manufacturer,omitempty"`
	ExternalAccountID string   `json:"external_account_id,omitempty"`
}

func (EventSubscription) ManifestType() ManifestType { return ManifestEventSubscription }

// RawManifest preserves content of manifest types this hub build does not
// know, so foreign crates survive storage round trips byte for byte.
type RawManifest struct {
	Type ManifestType
	Raw  json.RawMessage
}

func (m RawManifest) ManifestType() ManifestType { return m.Type }

func (m RawManifest) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

func decodeManifest(mt ManifestType, raw json.RawMessage) (Manifest, error) {
	decode := func(target Manifest) (Manifest, error) {
		if len(raw) == 0 {
			return target, nil
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", mt, err)
		}
		return target, nil
	}
	switch mt {
	case ManifestFieldDescription:
		m, err := decode(&FieldDescriptionList{})
		if err != nil {
			return nil, err
		}
		return *m.(*FieldDescriptionList), nil
	case ManifestConfigurationControls:
		m, err := decode(&ConfigurationControls{})
		if err != nil {
			return nil, err
		}
		return *m.(*ConfigurationControls), nil
	case ManifestStandardPayload:
		m, err := decode(&PayloadData{})
		if err != nil {
			return nil, err
		}
		return *m.(*PayloadData), nil
	case ManifestStandardTableData:
		m, err := decode(&TableData{})
		if err != nil {
			return nil, err
		}
		return *m.(*TableData), nil
	case ManifestOperationalState:
		m, err := decode(&OperationalState{})
		if err != nil {
			return nil, err
		}
		return *m.(*OperationalState), nil
	case ManifestEventReport:
		m, err := decode(&EventReport{})
		if err != nil {
			return nil, err
		}
		return *m.(*EventReport), nil
	case ManifestEventSubscription:
		m, err := decode(&EventSubscription{})
		if err != nil {
			return nil, err
		}
		return *m.(*EventSubscription), nil
	default:
		return RawManifest{Type: mt, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}
