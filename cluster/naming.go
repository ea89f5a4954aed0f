package cluster

import (
	"fmt"
	"strings"
)

const topicPrefix = "meshrpc/servers"

// TopicForServer returns the bus subject a member listens on for inbound calls.
func TopicForServer(kind ServerKind, id ServerID) string {
	return fmt.Sprintf("%s/%s/%s", topicPrefix, kind, id)
}

// ServersPrefix is the directory key prefix holding every member.
func ServersPrefix(prefix string) string {
	return prefix + "/servers/"
}

// KindPrefix is the directory key prefix holding the members of one kind.
func KindPrefix(prefix string, kind ServerKind) string {
	return fmt.Sprintf("%s/servers/%s/", prefix, kind)
}

// ServerKey is the directory key under which a member publishes itself.
func ServerKey(prefix string, kind ServerKind, id ServerID) string {
	return fmt.Sprintf("%s/servers/%s/%s", prefix, kind, id)
}

// ParseServerKey extracts kind and id from a key built by ServerKey.
func ParseServerKey(prefix, key string) (ServerKind, ServerID, bool) {
	rest, ok := strings.CutPrefix(key, ServersPrefix(prefix))
	if !ok {
		return "", "", false
	}
	kind, id, ok := strings.Cut(rest, "/")
	if !ok || kind == "" || id == "" || strings.Contains(id, "/") {
		return "", "", false
	}
	return ServerKind(kind), ServerID(id), true
}
