// Package cluster defines the data shared by every member of the cluster:
// who a member is, how it is addressed on the bus and in the directory,
// and the errors the cluster core reports.
package cluster

import (
	"fmt"
	"strings"
)

// ServerID uniquely identifies one process instance.
type ServerID string

// ServerKind classifies the role of a member, e.g. "room" or "gate".
// Many members share a kind.
type ServerKind string

func (id ServerID) String() string     { return string(id) }
func (kind ServerKind) String() string { return string(kind) }

// Server is the directory entry of one cluster member.
//
// A Server is treated as immutable once published: the registry cache hands
// out the same pointer to every reader, so callers must not modify it.
type Server struct {
	ID       ServerID          `json:"id"`
	Kind     ServerKind        `json:"type"`
	Hostname string            `json:"hostname"`
	Frontend bool              `json:"frontend"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewServer builds a directory entry, copying metadata so later changes to
// the caller's map are not observed.
func NewServer(id ServerID, kind ServerKind, hostname string, frontend bool, metadata map[string]string) *Server {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Server{
		ID:       id,
		Kind:     kind,
		Hostname: hostname,
		Frontend: frontend,
		Metadata: md,
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("%s/%s", s.Kind, s.ID)
}

// ParseRoute splits a route of the form "kind.handler.method" and returns
// the server kind it targets.
func ParseRoute(route string) (ServerKind, error) {
	parts := strings.Split(route, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("invalid route %q: expected kind.handler.method", route)
	}
	return ServerKind(parts[0]), nil
}
