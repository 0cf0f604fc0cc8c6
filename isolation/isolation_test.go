package isolation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"oskernel/limits"
)

func TestDomainCreateDestroyRoundTripsLimit(t *testing.T) {
	before := limits.Syslimit.Domains

	d := Domain_create("test-driver", DriverRing, 4096)
	require.NotNil(t, d)
	require.Equal(t, before-1, limits.Syslimit.Domains)

	Domain_destroy(d)
	require.Equal(t, before, limits.Syslimit.Domains)
}

func TestDomainCreateRejectsOverLimit(t *testing.T) {
	saved := limits.Syslimit.Domains
	limits.Syslimit.Domains = 0
	defer func() { limits.Syslimit.Domains = saved }()

	d := Domain_create("no-room", DriverRing, 4096)
	require.Nil(t, d)
}

func TestCheckPortDeniesByDefaultAndCountsViolations(t *testing.T) {
	d := Domain_create("port-test", DriverRing, 4096)
	require.NotNil(t, d)
	defer Domain_destroy(d)

	require.False(t, d.CheckPort(0x3f8))
	require.Equal(t, uint64(1), d.IoViolationCount)

	d.Domain_allow_port(0x3f8, 8)
	require.True(t, d.CheckPort(0x3f8))
	require.Equal(t, uint64(1), d.IoViolationCount)
}
