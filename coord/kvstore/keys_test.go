package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathKey(t *testing.T) {
	tests := []struct {
		path string
		key  string
	}{
		{"/soul", "c291bA"},
		{"/soul/register", "c291bA.cmVnaXN0ZXI"},
		{"/a/10.0.0.1:8080", "YQ.MTAuMC4wLjE6ODA4MA"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			key := pathKey(tt.path)
			assert.Equal(t, tt.key, key)
			assert.NotContains(t, key, "/")
			assert.NotContains(t, key, ":")

			back, err := keyPath(key)
			require.NoError(t, err)
			assert.Equal(t, tt.path, back)
		})
	}
}

func TestChildFilter(t *testing.T) {
	assert.Equal(t, "*", childFilter("/"))
	assert.Equal(t, "c291bA.*", childFilter("/soul"))
}

func TestKeyName(t *testing.T) {
	name, err := keyName(pathKey("/soul/register/uri/http/order/10.0.0.1:8080"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", name)

	name, err = keyName(pathKey("/soul"))
	require.NoError(t, err)
	assert.Equal(t, "soul", name)

	_, err = keyName("a.!!")
	assert.Error(t, err)
}
