// pkg/graph/apps.go - listing and creating Win32 LOB apps.

package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/reconcile"
)

const (
	mobileAppsPath = "/deviceAppManagement/mobileApps"
	win32Type      = "#microsoft.graph.win32LobApp"
)

// mobileApp is the subset of win32LobApp autopackager reads and writes.
type mobileApp struct {
	ODataType                      string             `json:"@odata.type,omitempty"`
	ID                             string             `json:"id,omitempty"`
	DisplayName                    string             `json:"displayName,omitempty"`
	DisplayVersion                 string             `json:"displayVersion,omitempty"`
	Description                    string             `json:"description,omitempty"`
	Publisher                      string             `json:"publisher,omitempty"`
	FileName                       string             `json:"fileName,omitempty"`
	SetupFilePath                  string             `json:"setupFilePath,omitempty"`
	InstallCommandLine             string             `json:"installCommandLine,omitempty"`
	UninstallCommandLine           string             `json:"uninstallCommandLine,omitempty"`
	ApplicableArchitectures        string             `json:"applicableArchitectures,omitempty"`
	MinimumSupportedWindowsRelease string             `json:"minimumSupportedWindowsRelease,omitempty"`
	InstallExperience              *installExperience `json:"installExperience,omitempty"`
	ReturnCodes                    []returnCode       `json:"returnCodes,omitempty"`
	Rules                          []rule             `json:"rules,omitempty"`
	MsiInformation                 *msiInformation    `json:"msiInformation,omitempty"`
	LargeIcon                      *mimeContent       `json:"largeIcon,omitempty"`
	CommittedContentVersion        string             `json:"committedContentVersion,omitempty"`
	Notes                          string             `json:"notes,omitempty"`
}

// rule is a win32LobAppRule of any subtype.
type rule map[string]interface{}

type installExperience struct {
	RunAsAccount          string `json:"runAsAccount"`
	DeviceRestartBehavior string `json:"deviceRestartBehavior"`
}

type returnCode struct {
	ReturnCode int    `json:"returnCode"`
	Type       string `json:"type"`
}

type msiInformation struct {
	ProductCode    string `json:"productCode"`
	ProductVersion string `json:"productVersion"`
	UpgradeCode    string `json:"upgradeCode,omitempty"`
	RequiresReboot bool   `json:"requiresReboot"`
	PackageType    string `json:"packageType"`
	Publisher      string `json:"publisher,omitempty"`
}

type mimeContent struct {
	ODataType string `json:"@odata.type"`
	Type      string `json:"type"`
	Value     []byte `json:"value"`
}

type appPage struct {
	Value    []mobileApp `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

var defaultReturnCodes = []returnCode{
	{0, "success"},
	{1707, "success"},
	{3010, "softReboot"},
	{1641, "hardReboot"},
	{1618, "retry"},
}

// ListEntries returns every Win32 app whose display name starts with prefix.
func (c *Client) ListEntries(ctx context.Context, prefix string) ([]reconcile.Entry, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("isof('microsoft.graph.win32LobApp') and startswith(displayName,%s)", odataQuote(prefix)))
	q.Set("$select", "id,displayName,displayVersion")
	next := mobileAppsPath + "?" + q.Encode()

	var entries []reconcile.Entry
	for next != "" {
		var page appPage
		if err := c.do(ctx, "GET", next, nil, &page); err != nil {
			return nil, err
		}
		for _, app := range page.Value {
			// startswith is case-insensitive server side; the prefix rule is not.
			if !strings.HasPrefix(app.DisplayName, prefix) {
				continue
			}
			entries = append(entries, reconcile.Entry{
				ID:             app.ID,
				DisplayName:    app.DisplayName,
				DisplayVersion: app.DisplayVersion,
			})
		}
		next = page.NextLink
	}
	return entries, nil
}

// FindEntry looks up the app matching q by exact display name and version,
// skipping the ids q excludes.
func (c *Client) FindEntry(ctx context.Context, q reconcile.EntryQuery) (reconcile.Entry, bool, error) {
	entries, err := c.ListEntries(ctx, q.DisplayName)
	if err != nil {
		return reconcile.Entry{}, false, err
	}
	for _, e := range entries {
		if q.Matches(e) {
			return e, true, nil
		}
	}
	return reconcile.Entry{}, false, nil
}

// CreateEntry creates the app, uploads its content and commits it.
func (c *Client) CreateEntry(ctx context.Context, spec reconcile.CreateSpec) (reconcile.Entry, error) {
	app, err := newMobileApp(spec)
	if err != nil {
		return reconcile.Entry{}, err
	}

	var created mobileApp
	if err := c.do(ctx, "POST", mobileAppsPath, app, &created); err != nil {
		return reconcile.Entry{}, fmt.Errorf("failed to create app: %w", err)
	}
	logging.Info("Created app definition", "name", spec.DisplayName, "id", created.ID)

	entry := reconcile.Entry{ID: created.ID, DisplayName: created.DisplayName, DisplayVersion: created.DisplayVersion}
	if err := c.uploadContent(ctx, created.ID, spec); err != nil {
		return entry, err
	}
	return entry, nil
}

func newMobileApp(spec reconcile.CreateSpec) (*mobileApp, error) {
	meta := spec.Metadata
	detection, err := detectionRule(spec.Detection)
	if err != nil {
		return nil, err
	}

	app := &mobileApp{
		ODataType:                      win32Type,
		DisplayName:                    spec.DisplayName,
		DisplayVersion:                 spec.DisplayVersion,
		Description:                    spec.Description,
		Publisher:                      spec.Publisher,
		FileName:                       meta.FileName,
		SetupFilePath:                  meta.SetupFile,
		InstallCommandLine:             spec.InstallCommand,
		UninstallCommandLine:           spec.UninstallCommand,
		ApplicableArchitectures:        architecture(spec.Architecture),
		MinimumSupportedWindowsRelease: spec.MinimumOS,
		InstallExperience:              &installExperience{RunAsAccount: "system", DeviceRestartBehavior: "suppress"},
		ReturnCodes:                    defaultReturnCodes,
		Rules:                          []rule{detection},
		Notes:                          "Packaged by autopackager",
	}
	if app.Publisher == "" {
		app.Publisher = "Unknown"
	}
	if app.MinimumSupportedWindowsRelease == "" {
		app.MinimumSupportedWindowsRelease = "1607"
	}
	if msi := meta.Msi; msi != nil {
		app.MsiInformation = &msiInformation{
			ProductCode:    msi.ProductCode,
			ProductVersion: msi.ProductVersion,
			UpgradeCode:    msi.UpgradeCode,
			RequiresReboot: msi.RequiresReboot,
			PackageType:    packageType(msi.ExecutionContext),
			Publisher:      msi.Publisher,
		}
	}
	if len(spec.Icon) > 0 {
		app.LargeIcon = &mimeContent{ODataType: "#microsoft.graph.mimeContent", Type: "image/png", Value: spec.Icon}
	}
	return app, nil
}

func architecture(a string) string {
	switch strings.ToLower(a) {
	case "", "x64", "amd64":
		return "x64"
	case "x86", "386":
		return "x86"
	case "arm64":
		return "arm64"
	case "any", "neutral":
		return "x64,x86"
	}
	return a
}

func packageType(executionContext string) string {
	switch strings.ToLower(executionContext) {
	case "user":
		return "perUser"
	case "any":
		return "dualPurpose"
	}
	return "perMachine"
}

var fileOperations = map[string]string{
	"":             "exists",
	"exists":       "exists",
	"doesnotexist": "doesNotExist",
	"version":      "version",
	"modified":     "modifiedDate",
	"created":      "createdDate",
	"size":         "sizeInMB",
}

var registryOperations = map[string]string{
	"":             "exists",
	"exists":       "exists",
	"doesnotexist": "doesNotExist",
	"string":       "string",
	"integer":      "integer",
	"version":      "version",
}

var operators = map[string]string{
	"":                   "notConfigured",
	"eq":                 "equal",
	"equal":              "equal",
	"ne":                 "notEqual",
	"notequal":           "notEqual",
	"gt":                 "greaterThan",
	"greaterthan":        "greaterThan",
	"ge":                 "greaterThanOrEqual",
	"greaterthanorequal": "greaterThanOrEqual",
	"lt":                 "lessThan",
	"lessthan":           "lessThan",
	"le":                 "lessThanOrEqual",
	"lessthanorequal":    "lessThanOrEqual",
}

func lookup(table map[string]string, key, what string) (string, error) {
	if v, ok := table[strings.ToLower(key)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown %s %q", what, key)
}

// detectionRule converts a descriptor rule into a win32LobAppRule.
func detectionRule(r catalog.Rule) (rule, error) {
	switch r := r.(type) {
	case catalog.FileRule:
		op, err := lookup(fileOperations, r.Check, "file check")
		if err != nil {
			return nil, err
		}
		operator, err := lookup(operators, r.Operator, "operator")
		if err != nil {
			return nil, err
		}
		m := rule{
			"@odata.type":          "#microsoft.graph.win32LobAppFileSystemRule",
			"ruleType":             "detection",
			"path":                 r.Path,
			"fileOrFolderName":     r.File,
			"check32BitOn64System": false,
			"operationType":        op,
			"operator":             operator,
		}
		if r.Value != "" {
			m["comparisonValue"] = r.Value
		}
		return m, nil

	case catalog.ProductCodeRule:
		if r.ProductCode == "" {
			return nil, fmt.Errorf("product code detection without a product code")
		}
		return rule{
			"@odata.type":            "#microsoft.graph.win32LobAppProductCodeRule",
			"ruleType":               "detection",
			"productCode":            r.ProductCode,
			"productVersionOperator": "notConfigured",
		}, nil

	case catalog.ScriptRule:
		script, err := os.ReadFile(r.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read detection script: %w", err)
		}
		return rule{
			"@odata.type":           "#microsoft.graph.win32LobAppPowerShellScriptRule",
			"ruleType":              "detection",
			"scriptContent":         base64.StdEncoding.EncodeToString(script),
			"enforceSignatureCheck": false,
			"runAs32Bit":            false,
			"runAsAccount":          "system",
			"operationType":         "notConfigured",
			"operator":              "notConfigured",
		}, nil

	case catalog.RegistryRule:
		op, err := lookup(registryOperations, r.Check, "registry check")
		if err != nil {
			return nil, err
		}
		operator, err := lookup(operators, r.Operator, "operator")
		if err != nil {
			return nil, err
		}
		m := rule{
			"@odata.type":          "#microsoft.graph.win32LobAppRegistryRule",
			"ruleType":             "detection",
			"keyPath":              r.Key,
			"valueName":            r.ValueName,
			"check32BitOn64System": false,
			"operationType":        op,
			"operator":             operator,
		}
		if r.Value != "" {
			m["comparisonValue"] = r.Value
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported detection rule %T", r)
}
