package bootstrap

import (
	"context"
	"testing"

	"github.com/metal-toolbox/lbcfg/internal/client"
	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/metal-toolbox/lbcfg/internal/secrets"
	"github.com/metal-toolbox/lbcfg/internal/tasks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecrets(t *testing.T) *secrets.Store {
	t.Helper()

	t.Setenv("LBCFG_ADMIN_PASSWORD", "balpw")
	t.Setenv("LBCFG_KEMP_ID", "ops@example.com")
	t.Setenv("LBCFG_KEMP_PASSWORD", "kemppw")

	return secrets.NewStore(&configuration.SecretsOptions{})
}

func testConfig(appliances ...model.Appliance) *configuration.Configuration {
	config := configuration.New()
	config.Appliances = appliances
	config.Parameters = []model.Parameter{
		{Name: "ntp", Value: "pool.ntp.org"},
	}

	return config
}

func kemp1() model.Appliance {
	return model.Appliance{
		Hostname: "KEMP1",
		Address:  "10.0.1.109",
		Port:     443,
		Interfaces: []model.InterfaceAssignment{
			{ID: 0, Address: "10.0.1.31/24"},
			{ID: 1, Address: "10.0.2.31/24"},
		},
	}
}

func TestRunBootstrapsFactoryAppliance(t *testing.T) {
	dryRun := client.NewDryRun()
	orchestrator := New(dryRun, testConfig(kemp1()), testSecrets(t))

	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())

	require.Len(t, report.Appliances, 1)
	assert.Equal(t, "ApplianceBootstrap", report.Appliances[0].Task)
	assert.Equal(t, string(tasks.StateSucceeded), report.Appliances[0].Status)

	// the appliance ends up at its reassigned management address, fully
	// configured
	hostname, ok := dryRun.Parameter("10.0.1.31", "hostname")
	require.True(t, ok)
	assert.Equal(t, "KEMP1", hostname)

	ntp, ok := dryRun.Parameter("10.0.1.31", "ntp")
	require.True(t, ok)
	assert.Equal(t, "pool.ntp.org", ntp)

	cidr, ok := dryRun.Interface("10.0.1.31", 1)
	require.True(t, ok)
	assert.Equal(t, "10.0.2.31/24", cidr)
}

func TestRunIsIdempotent(t *testing.T) {
	// management interface keeps the inventory address, so the rerun
	// reaches the same appliance
	appliance := model.Appliance{
		Hostname: "KEMP1",
		Address:  "10.0.1.31",
		Port:     443,
		Interfaces: []model.InterfaceAssignment{
			{ID: 0, Address: "10.0.1.31/24"},
		},
	}

	dryRun := client.NewDryRun()
	store := testSecrets(t)

	report, err := New(dryRun, testConfig(appliance), store).Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())
	assert.Equal(t, "ApplianceBootstrap", report.Appliances[0].Task)

	// the second run finds the appliance licensed and must not touch the
	// EULA or activation endpoints; the simulator rejects them on a
	// licensed appliance, so success implies they were skipped
	report, err = New(dryRun, testConfig(appliance), store).Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())
	assert.Equal(t, "ApplianceConfigure", report.Appliances[0].Task)
	assert.Len(t, report.Appliances[0].Steps, 3)
}

func TestRunLicensedApplianceSkipsLicenseSteps(t *testing.T) {
	dryRun := client.NewDryRun()
	dryRun.Seed("10.0.1.109", "balpw")

	orchestrator := New(dryRun, testConfig(kemp1()), testSecrets(t))

	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())
	assert.Equal(t, "ApplianceConfigure", report.Appliances[0].Task)
}

func TestRunFailureDoesNotBlockNextAppliance(t *testing.T) {
	dryRun := client.NewDryRun()

	// first appliance was bootstrapped with a different admin password,
	// authenticated calls with this run's password fail
	dryRun.Seed("10.0.1.109", "someoneelsespw")

	second := model.Appliance{
		Hostname: "KEMP2",
		Address:  "10.0.1.110",
		Port:     443,
		Interfaces: []model.InterfaceAssignment{
			{ID: 0, Address: "10.0.1.110/24"},
		},
	}

	orchestrator := New(dryRun, testConfig(kemp1(), second), testSecrets(t))

	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Appliances, 2)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Ok())

	assert.Equal(t, string(tasks.StateFailed), report.Appliances[0].Status)
	assert.Equal(t, string(tasks.StateSucceeded), report.Appliances[1].Status)
}

func TestRunValidationFailureMakesNoNetworkCalls(t *testing.T) {
	appliance := kemp1()
	appliance.Interfaces[0].Address = "10.0.1.31" // no prefix length

	dryRun := client.NewDryRun()
	orchestrator := New(dryRun, testConfig(appliance), testSecrets(t))

	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Appliances, 1)
	assert.Equal(t, string(tasks.StateFailed), report.Appliances[0].Status)
	require.Len(t, report.Appliances[0].Steps, 1)
	assert.Equal(t, stepValidate, report.Appliances[0].Steps[0].Step)

	// the simulated appliance was never contacted, its tracked address
	// never mutated
	_, ok := dryRun.Interface("10.0.1.109", 0)
	assert.False(t, ok)
	_, ok = dryRun.Interface("10.0.1.31", 0)
	assert.False(t, ok)
}

func TestRunAbortsWithoutAdminPassword(t *testing.T) {
	// no env, no file, no terminal: the admin password is unresolvable
	t.Setenv("LBCFG_ADMIN_PASSWORD", "")

	orchestrator := New(client.NewDryRun(), testConfig(kemp1()), secrets.NewStore(&configuration.SecretsOptions{}))

	_, err := orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfig)
}

// failingAPI wraps the simulated fleet and fails one endpoint, recording
// which endpoints were hit.
type failingAPI struct {
	client.API
	failAcceptEULA bool
	hits           []string
}

func (f *failingAPI) AcceptEULA(ctx context.Context, conn model.Connection, magic string) (*client.EULA, error) {
	f.hits = append(f.hits, "accepteula")

	if f.failAcceptEULA {
		return nil, errors.Wrap(model.ErrTransport, "connection reset by peer")
	}

	return f.API.AcceptEULA(ctx, conn, magic)
}

func (f *failingAPI) AcceptEULA2(ctx context.Context, conn model.Connection, magic string, accept bool) error {
	f.hits = append(f.hits, "accepteula2")
	return f.API.AcceptEULA2(ctx, conn, magic, accept)
}

func TestRunHandshakeFailureScopesToAppliance(t *testing.T) {
	api := &failingAPI{API: client.NewDryRun(), failAcceptEULA: true}

	second := model.Appliance{
		Hostname: "KEMP2",
		Address:  "10.0.1.110",
		Port:     443,
	}

	// the second appliance is already licensed, it does not touch the
	// failing handshake endpoint
	api.API.(*client.DryRun).Seed("10.0.1.110", "balpw")

	orchestrator := New(api, testConfig(kemp1(), second), testSecrets(t))

	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Appliances, 2)
	assert.Equal(t, string(tasks.StateFailed), report.Appliances[0].Status)
	assert.Equal(t, string(tasks.StateSucceeded), report.Appliances[1].Status)

	// the final acceptance is never attempted after the second step fails
	assert.Equal(t, []string{"accepteula"}, api.hits)
}
