package policy

// BuiltinSource marks policies compiled into the binary.
const BuiltinSource = "builtin"

// BuiltinPolicies returns the preflight policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		allowedRegionsPolicy(),
		instanceTypesPolicy(),
		uninstallTargetPolicy(),
		managementIngressPolicy(),
	}
}

// allowedRegionsPolicy restricts provisioning to the configured regions.
func allowedRegionsPolicy() Policy {
	return Policy{
		Name:        "allowed-regions",
		Description: "Servers may only be provisioned in allowed regions",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package stakehost.policies.regions

import rego.v1

provisioning contains "install"

provisioning contains "reinstall"

deny contains violation if {
	input.process in provisioning
	count(input.limits.allowedRegions) > 0
	not input.settings.region in input.limits.allowedRegions
	violation := {
		"message": sprintf("region '%s' is not allowed, use one of %v", [input.settings.region, input.limits.allowedRegions]),
		"severity": "error",
	}
}

deny contains violation if {
	input.process in provisioning
	input.settings.region == ""
	violation := {
		"message": "region is not set",
		"severity": "error",
	}
}
`,
	}
}

// instanceTypesPolicy restricts the instance type of a new server.
func instanceTypesPolicy() Policy {
	return Policy{
		Name:        "instance-types",
		Description: "Servers may only use allowed instance types",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package stakehost.policies.instancetypes

import rego.v1

deny contains violation if {
	input.process in {"install", "reinstall"}
	count(input.limits.allowedInstanceTypes) > 0
	not input.settings.instanceType in input.limits.allowedInstanceTypes
	violation := {
		"message": sprintf("instance type '%s' is not allowed", [input.settings.instanceType]),
		"severity": "error",
	}
}
`,
	}
}

// uninstallTargetPolicy warns when there is no server to remove.
func uninstallTargetPolicy() Policy {
	return Policy{
		Name:        "uninstall-target",
		Description: "Uninstall expects a provisioned server",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package stakehost.policies.uninstall

import rego.v1

deny contains violation if {
	input.process == "uninstall"
	not input.store.provisioned
	violation := {
		"message": "no provisioned server is recorded, only local data will be removed",
		"severity": "warning",
	}
}
`,
	}
}

// managementIngressPolicy warns when SSH is reachable from anywhere.
func managementIngressPolicy() Policy {
	return Policy{
		Name:        "management-ingress",
		Description: "SSH should not be open to the whole internet",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      BuiltinSource,
		Rego: `package stakehost.policies.ingress

import rego.v1

deny contains violation if {
	input.process in {"install", "reinstall"}
	input.settings.ingressCidr in {"0.0.0.0/0", "::/0"}
	some port in input.settings.ingressPorts
	port == 22
	violation := {
		"message": sprintf("port 22 is open to %s", [input.settings.ingressCidr]),
		"severity": "warning",
	}
}
`,
	}
}
