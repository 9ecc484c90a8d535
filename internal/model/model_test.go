package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceAssignmentIP(t *testing.T) {
	iface := InterfaceAssignment{ID: 0, Address: "10.0.1.31/24"}

	ip, err := iface.IP()
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.31", ip)
}

func TestInterfaceAssignmentIPMalformed(t *testing.T) {
	iface := InterfaceAssignment{ID: 0, Address: "10.0.1.31"}

	_, err := iface.IP()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApplianceValidate(t *testing.T) {
	appliance := Appliance{
		Hostname: "KEMP1",
		Address:  "10.0.1.109",
		Port:     443,
		Interfaces: []InterfaceAssignment{
			{ID: 0, Address: "10.0.1.31/24"},
			{ID: 1, Address: "10.0.2.31/24"},
		},
	}

	require.NoError(t, appliance.Validate())
}

func TestApplianceValidateErrors(t *testing.T) {
	testcases := []struct {
		name      string
		appliance Appliance
	}{
		{
			"empty hostname",
			Appliance{Address: "10.0.1.109", Port: 443},
		},
		{
			"no address",
			Appliance{Hostname: "KEMP1", Port: 443},
		},
		{
			"port out of range",
			Appliance{Hostname: "KEMP1", Address: "10.0.1.109", Port: 70000},
		},
		{
			"bad cidr",
			Appliance{
				Hostname:   "KEMP1",
				Address:    "10.0.1.109",
				Port:       443,
				Interfaces: []InterfaceAssignment{{ID: 0, Address: "10.0.1.31"}},
			},
		},
		{
			"negative interface id",
			Appliance{
				Hostname:   "KEMP1",
				Address:    "10.0.1.109",
				Port:       443,
				Interfaces: []InterfaceAssignment{{ID: -1, Address: "10.0.1.31/24"}},
			},
		},
		{
			"two management interfaces",
			Appliance{
				Hostname: "KEMP1",
				Address:  "10.0.1.109",
				Port:     443,
				Interfaces: []InterfaceAssignment{
					{ID: 0, Address: "10.0.1.31/24"},
					{ID: 0, Address: "10.0.2.31/24"},
				},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.appliance.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, ParameterPolicyAbort, policy)

	policy, err = ParsePolicy("Continue")
	require.NoError(t, err)
	assert.Equal(t, ParameterPolicyContinue, policy)

	_, err = ParsePolicy("retry")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}
