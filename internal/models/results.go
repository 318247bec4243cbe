package models

// ConflictKind identifies which check a validation conflict came from.
type ConflictKind string

const (
	ConflictRequired                 ConflictKind = "required"
	ConflictInvalid                  ConflictKind = "invalid"
	ConflictName                     ConflictKind = "name"
	ConflictHTTPPort                 ConflictKind = "http_port"
	ConflictTransportPort            ConflictKind = "transport_port"
	ConflictHTTPPortUnavailable      ConflictKind = "http_port_unavailable"
	ConflictTransportPortUnavailable ConflictKind = "transport_port_unavailable"
)

// Conflict is one failed validation check.
type Conflict struct {
	Kind    ConflictKind `json:"kind"`
	Field   string       `json:"field"`
	Message string       `json:"message"`
	// With names the node the candidate collides with, if any.
	With string `json:"with,omitempty"`
}

// Suggestions are concrete corrections a caller can offer.
type Suggestions struct {
	HTTPPort      int      `json:"http_port,omitempty"`
	TransportPort int      `json:"transport_port,omitempty"`
	Names         []string `json:"names,omitempty"`
}

// ValidationResult is the structured outcome of validating a candidate descriptor.
type ValidationResult struct {
	Valid       bool        `json:"valid"`
	Conflicts   []Conflict  `json:"conflicts"`
	Suggestions Suggestions `json:"suggestions"`
}

// Has reports whether the result contains a conflict of the given kind.
func (r *ValidationResult) Has(kind ConflictKind) bool {
	for _, c := range r.Conflicts {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// AsError converts an invalid result into a typed error: Invalid when
// only field checks failed, Conflict when a collision was found.
func (r *ValidationResult) AsError(node string) error {
	if r.Valid {
		return nil
	}
	kind := KindInvalid
	for _, c := range r.Conflicts {
		if c.Kind != ConflictRequired && c.Kind != ConflictInvalid {
			kind = KindConflict
			break
		}
	}
	return &Error{
		Kind:    kind,
		Node:    node,
		Message: r.Conflicts[0].Message,
		Details: map[string]any{"conflicts": r.Conflicts, "suggestions": r.Suggestions},
	}
}

// RepairKind identifies a change made by reconciliation.
type RepairKind string

const (
	RepairRegistered  RepairKind = "registered"
	RepairRenamed     RepairKind = "renamed"
	RepairRekeyed     RepairKind = "rekeyed"
	RepairReanchored  RepairKind = "reanchored"
	RepairConfigPatch RepairKind = "config_patched"
	RepairHeapSynced  RepairKind = "heap_synced"
	RepairArtifact    RepairKind = "artifact_synced"
	RepairDescriptor  RepairKind = "descriptor_updated"
	RepairDeleted     RepairKind = "deleted"
	RepairWriteTarget RepairKind = "write_target_reassigned"
)

// Repair records one change made by reconciliation.
type Repair struct {
	Kind    RepairKind `json:"kind"`
	Node    string     `json:"node"`
	Message string     `json:"message"`
}

// Issue records a directory reconciliation skipped, and why.
type Issue struct {
	Path    string `json:"path"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// ReconcileReport is the outcome of one reconciliation pass.
type ReconcileReport struct {
	Repaired []Repair `json:"repaired"`
	Issues   []Issue  `json:"issues"`
	// Writes counts filesystem and document writes performed by the pass.
	Writes int `json:"writes"`
}

// RemoveResult is the outcome of removing a node.
type RemoveResult struct {
	Node     string   `json:"node"`
	Removed  []string `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

// Partial reports whether any cleanup step failed.
func (r *RemoveResult) Partial() bool {
	return len(r.Warnings) > 0
}
