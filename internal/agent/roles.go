package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownAgent is returned for role names that are not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Role identifies an agent class.
type Role string

const (
	RoleOrchestrator             Role = "Orchestrator"
	RoleExtensionManager         Role = "ExtensionManager"
	RoleRequirementsEngineer     Role = "RequirementsEngineer"
	RoleUIUXDesigner             Role = "UIUXDesigner"
	RoleDataModelingEngineer     Role = "DataModelingEngineer"
	RoleSystemArchitect          Role = "SystemArchitect"
	RoleImplementationConsultant Role = "ImplementationConsultant"
	RoleEnvironmentSetup         Role = "EnvironmentSetup"
	RolePrototypeImplementation  Role = "PrototypeImplementation"
	RoleBackendImplementation    Role = "BackendImplementation"
	RoleTestQualityVerification  Role = "TestQualityVerification"
	RoleAPIIntegration           Role = "APIIntegration"
	RoleDebugDetective           Role = "DebugDetective"
	RoleDeploySpecialist         Role = "DeploySpecialist"
	RoleRefactoringExpert        Role = "RefactoringExpert"
)

// DelegateToolPrefix starts the name of every delegation tool.
const DelegateToolPrefix = "delegate_"

// roleInfo is the registry entry of one role.
type roleInfo struct {
	key   string
	title string
	// summary describes the role in its delegation tool.
	summary string
	// delegates lists the roles this role may hand work to.
	delegates []Role
}

var specialists = []Role{
	RoleRequirementsEngineer,
	RoleUIUXDesigner,
	RoleDataModelingEngineer,
	RoleSystemArchitect,
	RoleImplementationConsultant,
	RoleEnvironmentSetup,
	RolePrototypeImplementation,
	RoleBackendImplementation,
	RoleTestQualityVerification,
	RoleAPIIntegration,
	RoleDebugDetective,
	RoleDeploySpecialist,
	RoleRefactoringExpert,
}

// registry is populated once and never modified.
var registry = map[Role]roleInfo{
	RoleOrchestrator: {
		key: "orchestrator", title: "Orchestrator",
		summary:   "Coordinates the specialists through the whole project.",
		delegates: specialists,
	},
	RoleExtensionManager: {
		key: "extension_manager", title: "Extension Manager",
		summary: "Adds features to an existing project.",
		delegates: []Role{
			RoleImplementationConsultant,
			RoleEnvironmentSetup,
			RolePrototypeImplementation,
			RoleBackendImplementation,
			RoleTestQualityVerification,
			RoleAPIIntegration,
			RoleDebugDetective,
			RoleRefactoringExpert,
		},
	},
	RoleRequirementsEngineer:     {key: "requirements_engineer", title: "Requirements Engineer", summary: "Writes the requirements document from the user's idea."},
	RoleUIUXDesigner:             {key: "uiux_designer", title: "UI/UX Designer", summary: "Designs pages and produces HTML mockups."},
	RoleDataModelingEngineer:     {key: "data_modeling_engineer", title: "Data Modeling Engineer", summary: "Defines entities, fields and relations."},
	RoleSystemArchitect:          {key: "system_architect", title: "System Architect", summary: "Designs the architecture, API and authentication."},
	RoleImplementationConsultant: {key: "implementation_consultant", title: "Implementation Consultant", summary: "Plans the implementation order."},
	RoleEnvironmentSetup:         {key: "environment_setup", title: "Environment Setup", summary: "Prepares the development environment."},
	RolePrototypeImplementation:  {key: "prototype_implementation", title: "Prototype Implementation", summary: "Builds the frontend prototype on mock data."},
	RoleBackendImplementation:    {key: "backend_implementation", title: "Backend Implementation", summary: "Implements and tests backend endpoints."},
	RoleTestQualityVerification:  {key: "test_quality_verification", title: "Test Quality Verification", summary: "Runs and extends the test suite."},
	RoleAPIIntegration:           {key: "api_integration", title: "API Integration", summary: "Connects the frontend to the real API."},
	RoleDebugDetective:           {key: "debug_detective", title: "Debug Detective", summary: "Reproduces, diagnoses and fixes bugs."},
	RoleDeploySpecialist:         {key: "deploy_specialist", title: "Deploy Specialist", summary: "Deploys and verifies the application."},
	RoleRefactoringExpert:        {key: "refactoring_expert", title: "Refactoring Expert", summary: "Improves structure without changing behavior."},
}

// Key is the snake_case name used for prompts.
func (r Role) Key() string { return registry[r].key }

// Title is the display name.
func (r Role) Title() string {
	if info, ok := registry[r]; ok {
		return info.title
	}
	return string(r)
}

// DelegateTool is the name of the tool that delegates to r.
func (r Role) DelegateTool() string { return DelegateToolPrefix + "to_" + r.Key() }

// Delegates lists the roles r may delegate to.
func (r Role) Delegates() []Role {
	return append([]Role(nil), registry[r].delegates...)
}

// IsSpecialist reports whether r cannot delegate.
func (r Role) IsSpecialist() bool { return len(registry[r].delegates) == 0 }

// Roles returns every registered role sorted by name.
func Roles() []Role {
	out := make([]Role, 0, len(registry))
	for r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Specialists returns the roles that cannot delegate, in workflow order.
func Specialists() []Role {
	return append([]Role(nil), specialists...)
}

// LookupRole resolves a role by name, key or delegation tool name.
func LookupRole(name string) (Role, error) {
	if _, ok := registry[Role(name)]; ok {
		return Role(name), nil
	}
	key := strings.TrimPrefix(name, DelegateToolPrefix+"to_")
	for r, info := range registry {
		if info.key == key || strings.EqualFold(string(r), name) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}
