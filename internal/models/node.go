// Package models provides data models for the searchnode node manager.
package models

import (
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
)

// NodeStatus represents the observed lifecycle state of a node.
type NodeStatus string

const (
	// NodeStatusStopped indicates no process is serving the node.
	NodeStatusStopped NodeStatus = "stopped"
	// NodeStatusStarting indicates a start operation is in flight.
	NodeStatusStarting NodeStatus = "starting"
	// NodeStatusRunning indicates the node is listening on its HTTP port.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusStopping indicates a stop operation is in flight.
	NodeStatusStopping NodeStatus = "stopping"
	// NodeStatusUnknown indicates the status could not be determined.
	NodeStatusUnknown NodeStatus = "unknown"
)

// IsValid returns true if the status is one of the known states.
func (s NodeStatus) IsValid() bool {
	switch s {
	case NodeStatusStopped, NodeStatusStarting, NodeStatusRunning, NodeStatusStopping, NodeStatusUnknown:
		return true
	default:
		return false
	}
}

// IsActive returns true while a process is running or transitioning.
// Mutations of the descriptor are rejected in these states.
func (s NodeStatus) IsActive() bool {
	return s == NodeStatusRunning || s == NodeStatusStarting || s == NodeStatusStopping
}

// NodeRole is a role flag carried by a node.
type NodeRole string

const (
	NodeRoleMaster NodeRole = "master"
	NodeRoleData   NodeRole = "data"
	NodeRoleIngest NodeRole = "ingest"
)

// AllRoles returns every role in canonical order.
func AllRoles() []NodeRole {
	return []NodeRole{NodeRoleMaster, NodeRoleData, NodeRoleIngest}
}

// IsValid returns true if the role is one of the known roles.
func (r NodeRole) IsValid() bool {
	return slices.Contains(AllRoles(), r)
}

// SortRoles returns roles deduplicated in canonical order. Unknown roles
// are kept after the known ones in their original order.
func SortRoles(roles []NodeRole) []NodeRole {
	out := make([]NodeRole, 0, len(roles))
	for _, known := range AllRoles() {
		if slices.Contains(roles, known) {
			out = append(out, known)
		}
	}
	for _, r := range roles {
		if !r.IsValid() && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// DefaultCluster is the label every topology carries and that cannot be deleted.
const DefaultCluster = "default"

// DefaultHeapSize is the floor heap size for new nodes.
const DefaultHeapSize = "1g"

// Node is the descriptor of one managed search-engine instance.
type Node struct {
	Name            string     `json:"name"`
	Cluster         string     `json:"cluster"`
	Host            string     `json:"host"`
	HTTPPort        int        `json:"http_port"`
	TransportPort   int        `json:"transport_port"`
	Roles           []NodeRole `json:"roles"`
	HeapSize        string     `json:"heap_size"`
	ConfigPath      string     `json:"config_path"`
	StartScriptPath string     `json:"start_script_path"`
	DataPath        string     `json:"data_path"`
	LogsPath        string     `json:"logs_path"`
	URL             string     `json:"url"`
	Status          NodeStatus `json:"status,omitempty"`
}

// Root returns the node's root directory, the parent of its config directory.
func (n *Node) Root() string {
	if n.ConfigPath == "" {
		return ""
	}
	return filepath.Dir(n.ConfigPath)
}

// Clone returns a deep copy of the descriptor.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Roles = slices.Clone(n.Roles)
	return &c
}

// Equal reports whether two descriptors carry the same persisted fields.
// Status is not persisted and is ignored.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.Name == o.Name &&
		n.Cluster == o.Cluster &&
		n.Host == o.Host &&
		n.HTTPPort == o.HTTPPort &&
		n.TransportPort == o.TransportPort &&
		slices.Equal(n.Roles, o.Roles) &&
		n.HeapSize == o.HeapSize &&
		n.ConfigPath == o.ConfigPath &&
		n.StartScriptPath == o.StartScriptPath &&
		n.DataPath == o.DataPath &&
		n.LogsPath == o.LogsPath &&
		n.URL == o.URL
}

// HTTPAddress returns host:httpPort.
func (n *Node) HTTPAddress() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.HTTPPort))
}

// DeriveURL returns the canonical URL derived from host and HTTP port.
func DeriveURL(host string, port int) string {
	if host == "" || port == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Ports returns the node's HTTP and transport ports.
func (n *Node) Ports() []int {
	return []int{n.HTTPPort, n.TransportPort}
}

// NodeUpdate carries the fields an update may change. Nil fields are left untouched.
type NodeUpdate struct {
	Name          *string    `json:"name,omitempty"`
	Cluster       *string    `json:"cluster,omitempty"`
	Host          *string    `json:"host,omitempty"`
	HTTPPort      *int       `json:"http_port,omitempty"`
	TransportPort *int       `json:"transport_port,omitempty"`
	Roles         []NodeRole `json:"roles,omitempty"`
	HeapSize      *string    `json:"heap_size,omitempty"`
}

// Apply returns a copy of n with the update applied. URL is re-derived
// when host or HTTP port change.
func (u *NodeUpdate) Apply(n *Node) *Node {
	out := n.Clone()
	if u == nil {
		return out
	}
	if u.Name != nil {
		out.Name = *u.Name
	}
	if u.Cluster != nil {
		out.Cluster = *u.Cluster
	}
	if u.Host != nil {
		out.Host = *u.Host
	}
	if u.HTTPPort != nil {
		out.HTTPPort = *u.HTTPPort
	}
	if u.TransportPort != nil {
		out.TransportPort = *u.TransportPort
	}
	if u.Roles != nil {
		out.Roles = SortRoles(u.Roles)
	}
	if u.HeapSize != nil {
		out.HeapSize = *u.HeapSize
	}
	if u.Host != nil || u.HTTPPort != nil {
		out.URL = DeriveURL(out.Host, out.HTTPPort)
	}
	return out
}
