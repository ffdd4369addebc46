package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/autopackager/pkg/config"
	"github.com/windowsadmins/autopackager/pkg/reconcile"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "repo_path: " + filepath.ToSlash(filepath.Join(dir, "repo")) + "\n" +
		"logs_path: " + filepath.ToSlash(filepath.Join(dir, "logs")) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, exitOK, run([]string{"version"}))
}

func TestUnknownFlag(t *testing.T) {
	assert.Equal(t, exitFatal, run([]string{"package", "--nope"}))
}

func TestUnknownApplicationIsFatal(t *testing.T) {
	cfg := writeConfig(t)
	assert.Equal(t, exitFatal, run([]string{"package", "--config", cfg, "--app", "notreal"}))
}

func TestUploadWithoutCredentialsIsFatal(t *testing.T) {
	for _, k := range []string{"TENANT_ID", "CLIENT_ID", "CLIENT_SECRET"} {
		t.Setenv(config.EnvPrefix+k, "")
	}
	cfg := writeConfig(t)
	assert.Equal(t, exitFatal, run([]string{"upload", "--config", cfg, "--app", "firefox"}))
}

func TestReconcileOptions(t *testing.T) {
	o := &options{assignUsers: true, assignDevices: true, intent: "Available", force: true}
	ro, err := o.reconcileOptions()
	require.NoError(t, err)
	assert.True(t, ro.Force)
	assert.Equal(t, reconcile.Available, ro.Intent)
	assert.Equal(t, []reconcile.GroupKind{reconcile.AllUsers, reconcile.AllDevices}, ro.Assign)

	o = &options{}
	ro, err = o.reconcileOptions()
	require.NoError(t, err)
	assert.Equal(t, reconcile.Required, ro.Intent)
	assert.Empty(t, ro.Assign)

	_, err = (&options{intent: "sometimes"}).reconcileOptions()
	assert.Error(t, err)
}

func TestApplyCredentials(t *testing.T) {
	cfg := &config.Configuration{TenantID: "file-tenant", ClientID: "file-client"}
	(&options{tenantID: "flag-tenant", clientSecret: "s3cret"}).applyCredentials(cfg)
	assert.Equal(t, "flag-tenant", cfg.TenantID)
	assert.Equal(t, "file-client", cfg.ClientID)
	assert.Equal(t, "s3cret", cfg.ClientSecret)
}
