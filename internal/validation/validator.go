package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/narvanalabs/searchnode/internal/models"
)

// TopologySource supplies the topology candidates are checked against.
type TopologySource interface {
	Load(ctx context.Context) (*models.Topology, error)
}

// maxSuggestions bounds the alternative names offered for a name collision.
const maxSuggestions = 3

// Validator checks candidate descriptors for malformed fields and for name
// and port collisions, and suggests corrections.
type Validator struct {
	source  TopologySource
	checker PortChecker
	logger  *slog.Logger
}

// NewValidator creates a validator. A nil checker binds real sockets.
func NewValidator(source TopologySource, checker PortChecker, logger *slog.Logger) *Validator {
	if checker == nil {
		checker = NetPortChecker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{source: source, checker: checker, logger: logger.With("component", "validator")}
}

// Validate checks candidate against the current topology. originalName
// names the descriptor the candidate replaces on update and is empty on
// create; that descriptor's own name and ports do not count as collisions.
func (v *Validator) Validate(ctx context.Context, candidate *models.Node, originalName string) (*models.ValidationResult, error) {
	t, err := v.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	result := Check(t, candidate, originalName, v.checker)
	if !result.Valid {
		v.logger.Debug("candidate rejected",
			"node", candidate.Name,
			"original", originalName,
			"conflicts", len(result.Conflicts),
		)
	}
	return result, nil
}

// Check is the pure part of Validate.
func Check(t *models.Topology, candidate *models.Node, originalName string, checker PortChecker) *models.ValidationResult {
	result := &models.ValidationResult{Conflicts: []models.Conflict{}}
	add := func(kind models.ConflictKind, field, with, format string, args ...any) {
		result.Conflicts = append(result.Conflicts, models.Conflict{
			Kind: kind, Field: field, With: with, Message: fmt.Sprintf(format, args...),
		})
	}
	fieldErr := func(err error) {
		var fe *FieldError
		if errors.As(err, &fe) {
			kind := models.ConflictInvalid
			if strings.HasSuffix(fe.Message, "is required") {
				kind = models.ConflictRequired
			}
			add(kind, fe.Field, "", "%s", fe.Message)
		}
	}

	name := strings.TrimSpace(candidate.Name)
	nameOK := ValidateNodeName(name) == nil
	fieldErr(ValidateNodeName(name))

	httpOK, transportOK := candidate.HTTPPort != 0, candidate.TransportPort != 0
	if !httpOK {
		add(models.ConflictRequired, "http_port", "", "http_port is required")
	} else if err := ValidatePort("http_port", candidate.HTTPPort); err != nil {
		fieldErr(err)
		httpOK = false
	}
	if !transportOK {
		add(models.ConflictRequired, "transport_port", "", "transport_port is required")
	} else if err := ValidatePort("transport_port", candidate.TransportPort); err != nil {
		fieldErr(err)
		transportOK = false
	}

	for _, r := range candidate.Roles {
		if !r.IsValid() {
			add(models.ConflictInvalid, "roles", "", "unknown role %q", r)
		}
	}
	fieldErr(ValidateHeapSize(candidate.HeapSize))

	if nameOK && name != originalName {
		if _, exists := t.Nodes[name]; exists {
			add(models.ConflictName, "name", name, "node %q already exists", name)
			result.Suggestions.Names = suggestNames(t, name)
		}
	}

	used := t.UsedPorts(originalName)
	var original *models.Node
	if originalName != "" {
		original = t.Nodes[originalName]
	}

	if httpOK {
		if owner, taken := used[candidate.HTTPPort]; taken {
			add(models.ConflictHTTPPort, "http_port", owner, "http_port %d is already used by node %q", candidate.HTTPPort, owner)
		} else if !unchanged(original, candidate.HTTPPort) && !checker.Available(candidate.Host, candidate.HTTPPort) {
			add(models.ConflictHTTPPortUnavailable, "http_port", "", "http_port %d is in use by another process", candidate.HTTPPort)
		}
	}
	if transportOK {
		if owner, taken := used[candidate.TransportPort]; taken {
			add(models.ConflictTransportPort, "transport_port", owner, "transport_port %d is already used by node %q", candidate.TransportPort, owner)
		} else if candidate.TransportPort == candidate.HTTPPort {
			add(models.ConflictTransportPort, "transport_port", name, "transport_port must differ from http_port %d", candidate.HTTPPort)
		} else if !unchanged(original, candidate.TransportPort) && !checker.Available(candidate.Host, candidate.TransportPort) {
			add(models.ConflictTransportPortUnavailable, "transport_port", "", "transport_port %d is in use by another process", candidate.TransportPort)
		}
	}

	if httpOK && (result.Has(models.ConflictHTTPPort) || result.Has(models.ConflictHTTPPortUnavailable)) {
		result.Suggestions.HTTPPort = suggestPort(candidate.HTTPPort, candidate.Host, used, candidate.TransportPort, checker)
	}
	if transportOK && (result.Has(models.ConflictTransportPort) || result.Has(models.ConflictTransportPortUnavailable)) {
		taken := candidate.HTTPPort
		if result.Suggestions.HTTPPort != 0 {
			taken = result.Suggestions.HTTPPort
		}
		result.Suggestions.TransportPort = suggestPort(candidate.TransportPort, candidate.Host, used, taken, checker)
	}

	result.Valid = len(result.Conflicts) == 0
	return result
}

// unchanged reports whether port is one the original descriptor already
// holds; its own ports are not re-probed on update.
func unchanged(original *models.Node, port int) bool {
	return original != nil && (original.HTTPPort == port || original.TransportPort == port)
}

// suggestPort returns the next port above from that no node uses, that is
// not reserved, and that the host can bind.
func suggestPort(from int, host string, used map[int]string, reserved int, checker PortChecker) int {
	for p := from + 1; p <= 65535; p++ {
		if _, taken := used[p]; taken || p == reserved {
			continue
		}
		if checker.Available(host, p) {
			return p
		}
	}
	return 0
}

func suggestNames(t *models.Topology, name string) []string {
	var out []string
	for i := 2; len(out) < maxSuggestions && i < 1000; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if len(candidate) > MaxNodeNameLength {
			break
		}
		if _, exists := t.Nodes[candidate]; !exists {
			out = append(out, candidate)
		}
	}
	return out
}
