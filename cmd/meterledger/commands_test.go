package main

import (
	"bytes"
	"errors"
	"testing"

	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meterledger 1.2.3")
}

func TestJobsListPrintsEveryJob(t *testing.T) {
	out, err := execute(t, "jobs", "list")
	require.NoError(t, err)
	for _, job := range scheduler.Jobs {
		assert.Contains(t, out, job)
	}
}

func TestJobsRunRejectsUnknownJob(t *testing.T) {
	_, err := execute(t, "jobs", "run", "invoice_run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrUnknownJob))
}

func TestValidateJobNormalizes(t *testing.T) {
	job, err := validateJob("  Daily_Reset ")
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobDailyReset, job)
}

func TestClientRequestValidation(t *testing.T) {
	req, err := clientRequest(" gateway ", "SERVICE")
	require.NoError(t, err)
	assert.Equal(t, "gateway", req.Name)
	assert.Equal(t, apikeydomain.RoleService, req.Role)

	_, err = clientRequest("", "service")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = clientRequest("gateway", "admin")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRole)
}

func TestServeGraphIsComplete(t *testing.T) {
	require.NoError(t, fx.ValidateApp(serveOptions(false)))
	require.NoError(t, fx.ValidateApp(serveOptions(true)))
}
