// pkg/graph/relationships.go - supersedence edges and group assignments.

package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/windowsadmins/autopackager/pkg/reconcile"
)

type relationship struct {
	ODataType        string `json:"@odata.type"`
	TargetID         string `json:"targetId"`
	TargetType       string `json:"targetType,omitempty"`
	SupersedenceType string `json:"supersedenceType,omitempty"`
	DependencyType   string `json:"dependencyType,omitempty"`
}

type relationshipPage struct {
	Value []relationship `json:"value"`
}

type updateRelationships struct {
	Relationships []relationship `json:"relationships"`
}

const (
	supersedenceType = "#microsoft.graph.mobileAppSupersedence"
	dependencyType   = "#microsoft.graph.mobileAppDependency"
)

// CreateSupersedence makes newID supersede oldID. updateRelationships
// replaces the whole set, so the app's existing child relationships are sent
// along with the new edge.
func (c *Client) CreateSupersedence(ctx context.Context, newID, oldID, kind string) error {
	if newID == oldID {
		return fmt.Errorf("an app cannot supersede itself")
	}
	appPath := fmt.Sprintf("%s/%s", mobileAppsPath, newID)

	var page relationshipPage
	if err := c.do(ctx, "GET", appPath+"/relationships", nil, &page); err != nil {
		return fmt.Errorf("failed to read relationships: %w", err)
	}

	var rels []relationship
	for _, r := range page.Value {
		// Parent relationships belong to other apps.
		if r.TargetType != "" && !strings.EqualFold(r.TargetType, "child") {
			continue
		}
		if r.TargetID == oldID {
			continue
		}
		switch r.ODataType {
		case supersedenceType:
			rels = append(rels, relationship{ODataType: r.ODataType, TargetID: r.TargetID, SupersedenceType: r.SupersedenceType})
		case dependencyType:
			rels = append(rels, relationship{ODataType: r.ODataType, TargetID: r.TargetID, DependencyType: r.DependencyType})
		}
	}
	rels = append(rels, relationship{ODataType: supersedenceType, TargetID: oldID, SupersedenceType: kind})

	if err := c.do(ctx, "POST", appPath+"/updateRelationships", updateRelationships{Relationships: rels}, nil); err != nil {
		return fmt.Errorf("failed to update relationships: %w", err)
	}
	return nil
}

type assignmentTarget struct {
	ODataType string `json:"@odata.type"`
	GroupID   string `json:"groupId,omitempty"`
}

type assignment struct {
	ODataType string           `json:"@odata.type"`
	Intent    string           `json:"intent"`
	Target    assignmentTarget `json:"target"`
}

type assignmentPage struct {
	Value []assignment `json:"value"`
}

type assignRequest struct {
	MobileAppAssignments []assignment `json:"mobileAppAssignments"`
}

func targetType(g reconcile.GroupKind) (string, error) {
	switch g {
	case reconcile.AllUsers:
		return "#microsoft.graph.allLicensedUsersAssignmentTarget", nil
	case reconcile.AllDevices:
		return "#microsoft.graph.allDevicesAssignmentTarget", nil
	}
	return "", fmt.Errorf("unknown assignment group %q", g)
}

// AssignToGroup adds an assignment to a built-in group. The assign action
// replaces all assignments, so existing ones are carried over.
func (c *Client) AssignToGroup(ctx context.Context, id string, group reconcile.GroupKind, intent reconcile.Intent) error {
	target, err := targetType(group)
	if err != nil {
		return err
	}
	appPath := fmt.Sprintf("%s/%s", mobileAppsPath, id)

	var page assignmentPage
	if err := c.do(ctx, "GET", appPath+"/assignments", nil, &page); err != nil {
		return fmt.Errorf("failed to read assignments: %w", err)
	}

	var all []assignment
	for _, a := range page.Value {
		if a.Target.ODataType == target {
			if a.Intent == string(intent) {
				return nil
			}
			continue
		}
		a.ODataType = "#microsoft.graph.mobileAppAssignment"
		all = append(all, a)
	}
	all = append(all, assignment{
		ODataType: "#microsoft.graph.mobileAppAssignment",
		Intent:    string(intent),
		Target:    assignmentTarget{ODataType: target},
	})

	if err := c.do(ctx, "POST", appPath+"/assign", assignRequest{MobileAppAssignments: all}, nil); err != nil {
		return fmt.Errorf("failed to assign: %w", err)
	}
	return nil
}
