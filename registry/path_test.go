package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathScheme_Paths(t *testing.T) {
	s := DefaultPathScheme()

	assert.Equal(t, "/soul/register/metadata/http", s.ContextParent(CategoryMetadata, RPCTypeHTTP))
	assert.Equal(t, "/soul/register/uri/grpc", s.ContextParent(CategoryURI, RPCTypeGRPC))
	assert.Equal(t, "/soul/register/uri/grpc/orders", s.ContextPath(CategoryURI, RPCTypeGRPC, "orders"))
	assert.Equal(t, "/soul/register/uri/grpc/orders/10.0.0.1:9000",
		Node(s.ContextPath(CategoryURI, RPCTypeGRPC, "orders"), "10.0.0.1:9000"))
}

func TestPathScheme_RootNormalization(t *testing.T) {
	tests := []struct {
		root string
		want string
	}{
		{"/soul/register", "/soul/register/metadata/dubbo"},
		{"/soul/register/", "/soul/register/metadata/dubbo"},
		{"soul/register", "/soul/register/metadata/dubbo"},
		{"", "/metadata/dubbo"},
		{"/", "/metadata/dubbo"},
	}

	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			s := PathScheme{Root: tt.root}
			assert.Equal(t, tt.want, s.ContextParent(CategoryMetadata, RPCTypeDubbo))
		})
	}
}

func TestPathScheme_Parse(t *testing.T) {
	s := DefaultPathScheme()

	t.Run("leaf path", func(t *testing.T) {
		loc, err := s.Parse("/soul/register/metadata/springCloud/orders/create")
		require.NoError(t, err)
		assert.Equal(t, Location{
			Category: CategoryMetadata,
			RPCType:  RPCTypeSpringCloud,
			Context:  "orders",
			Instance: "create",
		}, loc)
	})

	t.Run("context parent", func(t *testing.T) {
		loc, err := s.Parse("/soul/register/uri/http")
		require.NoError(t, err)
		assert.Equal(t, CategoryURI, loc.Category)
		assert.Equal(t, RPCTypeHTTP, loc.RPCType)
		assert.Empty(t, loc.Context)
	})

	t.Run("rejects", func(t *testing.T) {
		bad := map[string]error{
			"/other/metadata/http/a/b":        ErrInvalidPath,
			"/soul/register/metadata":         ErrInvalidPath,
			"/soul/register/metadata/http//b": ErrInvalidPath,
			"/soul/register/things/http/a":    ErrUnknownCategory,
			"/soul/register/uri/carrier/a":    ErrUnknownRPCType,
			"/soul/register/uri/http/a/b/c":   ErrInvalidPath,
		}
		for p, want := range bad {
			_, err := s.Parse(p)
			assert.Truef(t, errors.Is(err, want), "Parse(%q) error = %v, want %v", p, err, want)
		}
	})
}
