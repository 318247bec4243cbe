// Package nodeconfig renders and maintains the on-disk artifacts of a node:
// the server configuration, heap options, logging configuration and the
// platform start script.
//
// Artifacts are rendered wholesale on provisioning. The server configuration
// is afterwards only patched in place so operator edits survive.
package nodeconfig

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/searchnode/internal/models"
)

// Server configuration keys read and patched by searchnode.
const (
	KeyClusterName      = "cluster.name"
	KeyNodeName         = "node.name"
	KeyHost             = "network.host"
	KeyHTTPPort         = "http.port"
	KeyTransportPort    = "transport.port"
	KeyDataPath         = "path.data"
	KeyLogsPath         = "path.logs"
	KeyRoles            = "node.roles"
	KeyAllocationID     = "node.attr.allocation_id"
	KeyDiscoveryType    = "discovery.type"
	KeySecurityEnabled  = "xpack.security.enabled"
	KeyHTTPSSLEnabled   = "xpack.security.http.ssl.enabled"
	KeyTransportSSLFlag = "xpack.security.transport.ssl.enabled"
)

const serverConfigHeader = `# Server configuration managed by searchnode.
# Keys below are patched in place on update; other lines, including
# comments, are left untouched.
`

// Entry is one key/value line of the server configuration.
type Entry struct {
	Key   string
	Value any
}

// ServerEntries returns the managed settings of a node in render order.
func ServerEntries(n *models.Node) []Entry {
	return []Entry{
		{KeyClusterName, n.Cluster},
		{KeyNodeName, n.Name},
		{KeyHost, n.Host},
		{KeyHTTPPort, n.HTTPPort},
		{KeyTransportPort, n.TransportPort},
		{KeyDataPath, n.DataPath},
		{KeyLogsPath, n.LogsPath},
		{KeyRoles, n.Roles},
		{KeyAllocationID, n.Name},
		{KeyDiscoveryType, "single-node"},
		{KeySecurityEnabled, false},
		{KeyHTTPSSLEnabled, false},
		{KeyTransportSSLFlag, false},
	}
}

// IdentityEntries returns the keys that change when a node is renamed,
// relocated or re-addressed.
func IdentityEntries(n *models.Node) []Entry {
	return []Entry{
		{KeyClusterName, n.Cluster},
		{KeyNodeName, n.Name},
		{KeyHost, n.Host},
		{KeyHTTPPort, n.HTTPPort},
		{KeyTransportPort, n.TransportPort},
		{KeyDataPath, n.DataPath},
		{KeyLogsPath, n.LogsPath},
		{KeyRoles, n.Roles},
		{KeyAllocationID, n.Name},
	}
}

// RenderServerConfig renders the full server configuration for a node.
func RenderServerConfig(n *models.Node) string {
	var b strings.Builder
	b.WriteString(serverConfigHeader)
	for _, e := range ServerEntries(n) {
		b.WriteString(formatLine(e))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatLine(e Entry) string {
	return e.Key + ": " + FormatValue(e.Value)
}

// FormatValue renders a value as a YAML flow scalar or flow sequence.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return yamlScalar(val)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = yamlScalar(s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []models.NodeRole:
		parts := make([]string, len(val))
		for i, r := range val {
			parts[i] = yamlScalar(string(r))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return yamlScalar(fmt.Sprint(val))
	}
}

func yamlScalar(s string) string {
	if s == "" {
		return `""`
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return strconv.Quote(s)
	}
	return strings.TrimSuffix(string(out), "\n")
}

// Settings is a parsed server configuration flattened to dotted keys.
type Settings map[string]any

// ParseServerConfig parses a server configuration. Nested mappings are
// flattened, so `node: {name: x}` and `node.name: x` read the same.
func ParseServerConfig(content string) (Settings, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	out := make(Settings)
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out Settings) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// String returns a setting as a string, or "" when absent.
func (s Settings) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Int returns a setting as an int, or 0 when absent or malformed.
func (s Settings) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(v))
		return i
	default:
		return 0
	}
}

// Strings returns a list setting. A comma-separated string is split.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Identity returns the authoritative node name recorded in the configuration.
func (s Settings) Identity() string {
	return strings.TrimSpace(s.String(KeyNodeName))
}

// Node maps the configuration back onto descriptor fields. Fields the
// configuration does not carry are left empty.
func (s Settings) Node() *models.Node {
	n := &models.Node{
		Name:          s.Identity(),
		Cluster:       s.String(KeyClusterName),
		Host:          s.String(KeyHost),
		HTTPPort:      s.Int(KeyHTTPPort),
		TransportPort: s.Int(KeyTransportPort),
		DataPath:      s.String(KeyDataPath),
		LogsPath:      s.String(KeyLogsPath),
	}
	if roles := s.Strings(KeyRoles); roles != nil {
		for _, r := range roles {
			n.Roles = append(n.Roles, models.NodeRole(r))
		}
		n.Roles = models.SortRoles(n.Roles)
	}
	return n
}

// PatchServerConfig overwrites keys present in updates, appends keys that
// were absent, and leaves every other line untouched. Keys are matched by
// their dotted path, so `node.name: x` and `name: x` nested under `node:`
// are the same key and are patched where they stand. A key assigned twice
// keeps its first line; later ones are dropped so one value wins. It
// reports whether the content changed.
func PatchServerConfig(content string, updates []Entry) (string, bool) {
	pending := make(map[string]Entry, len(updates))
	for _, u := range updates {
		pending[u.Key] = u
	}
	seen := make(map[string]bool, len(updates))

	trailingNewline := strings.HasSuffix(content, "\n")
	body := strings.TrimSuffix(content, "\n")
	var lines []string
	if body != "" || content != "" {
		lines = strings.Split(body, "\n")
	}
	keyed := keyLines(lines)

	changed := false
	out := make([]string, 0, len(lines)+len(updates))
	for i := 0; i < len(lines); i++ {
		k := keyed[i]
		u, want := pending[k.path]
		if k.path == "" || !want {
			out = append(out, lines[i])
			continue
		}
		end := i
		if k.block {
			end = blockEnd(lines, keyed, i)
		}
		if seen[k.path] {
			changed = true
			i = end
			continue
		}
		seen[k.path] = true

		replacement := strings.Repeat(" ", k.indent) + k.leaf + ": " + FormatValue(u.Value)
		if end != i || strings.TrimRight(lines[i], " \t\r") != replacement {
			changed = true
		}
		out = append(out, replacement)
		i = end
	}

	missing := 0
	for _, u := range updates {
		if !seen[u.Key] {
			out = append(out, formatLine(u))
			seen[u.Key] = true
			missing++
			changed = true
		}
	}

	if !changed {
		return content, false
	}
	result := strings.Join(out, "\n")
	if trailingNewline || missing > 0 {
		result += "\n"
	}
	return result, true
}

// keyedLine describes the mapping key a line assigns, if any.
type keyedLine struct {
	// path is the dotted key path including enclosing mappings.
	path   string
	leaf   string
	indent int
	// block is set when the value continues on the following lines.
	block bool
}

// keyLines resolves the dotted key path of every "key: value" line by
// following indentation. Comments, blank lines and sequence items have no
// key.
func keyLines(lines []string) []keyedLine {
	type frame struct {
		indent int
		key    string
	}
	out := make([]keyedLine, len(lines))
	var stack []frame
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if trimmed == "" || trimmed[0] == '#' || trimmed[0] == '-' || trimmed[0] == '\t' {
			continue
		}
		idx := strings.Index(trimmed, ":")
		if idx <= 0 {
			continue
		}
		indent := len(line) - len(trimmed)
		leaf := strings.TrimSpace(trimmed[:idx])
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		parts := make([]string, 0, len(stack)+1)
		for _, f := range stack {
			parts = append(parts, f.key)
		}
		parts = append(parts, leaf)

		value := strings.TrimSpace(trimmed[idx+1:])
		block := value == "" || strings.HasPrefix(value, "#")
		out[i] = keyedLine{path: strings.Join(parts, "."), leaf: leaf, indent: indent, block: block}
		stack = append(stack, frame{indent: indent, key: leaf})
	}
	return out
}

// blockEnd returns the index of the last line belonging to the block value
// that starts at line i: deeper indented lines and sequence items at the
// same indentation.
func blockEnd(lines []string, keyed []keyedLine, i int) int {
	base := keyed[i].indent
	end := i
	for j := i + 1; j < len(lines); j++ {
		trimmed := strings.TrimLeft(lines[j], " ")
		if trimmed == "" {
			break
		}
		indent := len(lines[j]) - len(trimmed)
		if indent > base || (indent == base && strings.HasPrefix(trimmed, "-")) {
			end = j
			continue
		}
		break
	}
	return end
}
