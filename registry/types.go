// Package registry defines the service-registration data model: RPC type tags,
// registration categories, the node path layout and the decoded records.
package registry

import (
	"encoding/json"
	"fmt"
)

// RPCType identifies the transport or RPC protocol family of a registered service.
type RPCType string

const (
	RPCTypeHTTP        RPCType = "http"
	RPCTypeDubbo       RPCType = "dubbo"
	RPCTypeSofa        RPCType = "sofa"
	RPCTypeTars        RPCType = "tars"
	RPCTypeWebSocket   RPCType = "websocket"
	RPCTypeSpringCloud RPCType = "springCloud"
	RPCTypeMotan       RPCType = "motan"
	RPCTypeGRPC        RPCType = "grpc"
)

var knownRPCTypes = map[RPCType]struct{}{
	RPCTypeHTTP:        {},
	RPCTypeDubbo:       {},
	RPCTypeSofa:        {},
	RPCTypeTars:        {},
	RPCTypeWebSocket:   {},
	RPCTypeSpringCloud: {},
	RPCTypeMotan:       {},
	RPCTypeGRPC:        {},
}

// ParseRPCType validates s against the known RPC type tags.
func ParseRPCType(s string) (RPCType, error) {
	t := RPCType(s)
	if _, ok := knownRPCTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRPCType, s)
	}
	return t, nil
}

// MustParseRPCType is like ParseRPCType but panics on an unknown tag.
func MustParseRPCType(s string) RPCType {
	t, err := ParseRPCType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseRPCTypes parses a list of tags, rejecting unknown ones and dropping duplicates.
func ParseRPCTypes(tags []string) ([]RPCType, error) {
	seen := make(map[RPCType]struct{}, len(tags))
	types := make([]RPCType, 0, len(tags))
	for _, tag := range tags {
		t, err := ParseRPCType(tag)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types, nil
}

// DefaultMetadataTypes returns the RPC types whose metadata is propagated by default.
func DefaultMetadataTypes() []RPCType {
	return []RPCType{RPCTypeDubbo, RPCTypeGRPC, RPCTypeHTTP, RPCTypeSpringCloud, RPCTypeSofa, RPCTypeTars}
}

// DefaultURITypes returns the RPC types whose URIs are propagated by default.
func DefaultURITypes() []RPCType {
	return []RPCType{RPCTypeGRPC, RPCTypeHTTP, RPCTypeTars}
}

// Category selects which registration subtree is watched.
type Category string

const (
	CategoryMetadata Category = "metadata"
	CategoryURI      Category = "uri"
)

// ParseCategory validates s as a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryMetadata, CategoryURI:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// WatchesLeaves reports whether leaves of this category get a value-change
// subscription. URI leaves are read once per appearance.
func (c Category) WatchesLeaves() bool {
	return c == CategoryMetadata
}

// Record is a decoded registration payload bound to the node it was read from.
type Record interface {
	Category() Category
	NodePath() string
}

// MetadataRecord describes a registered service method or rule.
type MetadataRecord struct {
	AppName          string   `json:"appName"`
	ContextPath      string   `json:"contextPath"`
	Path             string   `json:"path"`
	PathDesc         string   `json:"pathDesc,omitempty"`
	RPCType          string   `json:"rpcType"`
	ServiceName      string   `json:"serviceName,omitempty"`
	MethodName       string   `json:"methodName,omitempty"`
	RuleName         string   `json:"ruleName,omitempty"`
	ParameterTypes   string   `json:"parameterTypes,omitempty"`
	RPCExt           string   `json:"rpcExt,omitempty"`
	Enabled          bool     `json:"enabled"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	PluginNames      []string `json:"pluginNames,omitempty"`
	RegisterMetaData bool     `json:"registerMetaData"`

	nodePath string
}

// Category implements Record.
func (m *MetadataRecord) Category() Category { return CategoryMetadata }

// NodePath implements Record.
func (m *MetadataRecord) NodePath() string { return m.nodePath }

// URIRecord describes a reachable endpoint of a registered service.
type URIRecord struct {
	AppName     string `json:"appName"`
	ContextPath string `json:"contextPath"`
	RPCType     string `json:"rpcType"`
	Host        string `json:"host"`
	Port        int    `json:"port"`

	nodePath string
}

// Category implements Record.
func (u *URIRecord) Category() Category { return CategoryURI }

// NodePath implements Record.
func (u *URIRecord) NodePath() string { return u.nodePath }

// DecodeMetadata parses a metadata leaf payload read from nodePath.
func DecodeMetadata(nodePath string, data []byte) (*MetadataRecord, error) {
	var m MetadataRecord
	if err := decodeObject(nodePath, data, &m); err != nil {
		return nil, err
	}
	m.nodePath = nodePath
	return &m, nil
}

// DecodeURI parses a URI leaf payload read from nodePath.
func DecodeURI(nodePath string, data []byte) (*URIRecord, error) {
	var u URIRecord
	if err := decodeObject(nodePath, data, &u); err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %s: missing host", ErrDecode, nodePath)
	}
	u.nodePath = nodePath
	return &u, nil
}

// Decode parses a leaf payload according to its category.
func Decode(c Category, nodePath string, data []byte) (Record, error) {
	switch c {
	case CategoryMetadata:
		return DecodeMetadata(nodePath, data)
	case CategoryURI:
		return DecodeURI(nodePath, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
}

func decodeObject(nodePath string, data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrDecode, nodePath)
	}
	// Producers may write a JSON null for a placeholder node.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, nodePath, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: %s: not an object", ErrDecode, nodePath)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, nodePath, err)
	}
	return nil
}
