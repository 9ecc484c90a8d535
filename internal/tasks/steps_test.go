package tasks

import (
	"context"
	"testing"

	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(api *fakeAPI) *Session {
	return NewSession(api, model.Connection{Address: "10.0.1.109", Port: 443},
		model.Credential{Username: model.AdminUser, Password: "balpw"})
}

func TestAcceptEULAStepWithoutToken(t *testing.T) {
	api := newFakeAPI()
	sess := testSession(api)

	_, err := AcceptEULAStep().Run(context.Background(), sess, sharedData{})

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSequence)
	assert.Empty(t, api.calls, "no call may be issued without the first token")
}

func TestAcceptEULA2StepWithoutToken(t *testing.T) {
	api := newFakeAPI()
	sess := testSession(api)

	_, err := AcceptEULA2Step().Run(context.Background(), sess, sharedData{firstMagicKey: "magic-one"})

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSequence)
	assert.Empty(t, api.calls, "no call may be issued without the second token")
}

func TestApplyParametersAbortPolicy(t *testing.T) {
	api := newFakeAPI()
	api.failParams["snmp"] = errors.Wrap(model.ErrTransport, "rejected")

	parameters := []model.Parameter{
		{Name: "ntp", Value: "pool.ntp.org"},
		{Name: "snmp", Value: "public"},
		{Name: "dnsnames", Value: "10.0.0.2"},
	}

	step := ApplyParametersStep(parameters, model.ParameterPolicyAbort)
	_, err := step.Run(context.Background(), testSession(api), sharedData{})

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransport)

	// the first failure stops the loop
	assert.Len(t, api.calls, 2)
}

func TestApplyParametersContinuePolicy(t *testing.T) {
	api := newFakeAPI()
	api.failParams["snmp"] = errors.Wrap(model.ErrTransport, "rejected")

	parameters := []model.Parameter{
		{Name: "ntp", Value: "pool.ntp.org"},
		{Name: "snmp", Value: "public"},
		{Name: "dnsnames", Value: "10.0.0.2"},
	}

	step := ApplyParametersStep(parameters, model.ParameterPolicyContinue)
	details, err := step.Run(context.Background(), testSession(api), sharedData{})

	require.NoError(t, err)
	assert.Contains(t, details, "skipped: snmp")

	// every parameter is attempted
	assert.Len(t, api.calls, 3)
	assert.Equal(t, "dnsnames", api.calls[2].args["param"])
}

func TestApplyInterfacesRetargetsManagementAddress(t *testing.T) {
	api := newFakeAPI()
	sess := testSession(api)

	step := ApplyInterfacesStep([]model.InterfaceAssignment{
		{ID: 0, Address: "10.0.1.31/24"},
		{ID: 1, Address: "10.0.2.31/24"},
	})

	_, err := step.Run(context.Background(), sess, sharedData{})
	require.NoError(t, err)

	require.Len(t, api.calls, 2)

	// the management interface call goes to the original address, the
	// interface after it to the reassigned one
	assert.Equal(t, "10.0.1.109", api.calls[0].address)
	assert.Equal(t, "10.0.2.31/24", api.calls[1].args["addr"])
	assert.Equal(t, "10.0.1.31", api.calls[1].address)

	assert.Equal(t, "10.0.1.31", sess.Connection().Address)
	assert.Equal(t, 443, sess.Connection().Port)
}

func TestApplyInterfacesManagementLast(t *testing.T) {
	api := newFakeAPI()
	sess := testSession(api)

	step := ApplyInterfacesStep([]model.InterfaceAssignment{
		{ID: 1, Address: "10.0.2.31/24"},
		{ID: 0, Address: "10.0.1.31/24"},
	})

	_, err := step.Run(context.Background(), sess, sharedData{})
	require.NoError(t, err)

	// everything before the management interface uses the original address
	assert.Equal(t, "10.0.1.109", api.calls[0].address)
	assert.Equal(t, "10.0.1.109", api.calls[1].address)

	assert.Equal(t, "10.0.1.31", sess.Connection().Address)
}

func TestApplyInterfacesFailureIsFatal(t *testing.T) {
	api := newFakeAPI()
	api.fail["modiface"] = errors.Wrap(model.ErrTransport, "unreachable")
	sess := testSession(api)

	step := ApplyInterfacesStep([]model.InterfaceAssignment{
		{ID: 0, Address: "10.0.1.31/24"},
	})

	_, err := step.Run(context.Background(), sess, sharedData{})
	require.Error(t, err)

	// a failed management interface application must not retarget
	assert.Equal(t, "10.0.1.109", sess.Connection().Address)
}

func TestSetHostnameStep(t *testing.T) {
	api := newFakeAPI()

	_, err := SetHostnameStep("KEMP1").Run(context.Background(), testSession(api), sharedData{})
	require.NoError(t, err)

	require.Len(t, api.calls, 1)
	assert.Equal(t, "hostname", api.calls[0].args["param"])
	assert.Equal(t, "KEMP1", api.calls[0].args["value"])
	assert.Equal(t, model.AdminUser, api.calls[0].cred.Username)
}
