package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDefault(t *testing.T) {
	_, any4, _ := net.ParseCIDR("0.0.0.0/0")
	_, lan, _ := net.ParseCIDR("192.168.122.0/24")
	assert.True(t, isDefault(nil))
	assert.True(t, isDefault(any4))
	assert.False(t, isDefault(lan))
}
