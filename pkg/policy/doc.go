// Package policy gates processes with Open Policy Agent (OPA) policies.
//
// Before a process provisions or removes a server it runs the "checkPreflight"
// step. The step evaluates every enabled policy's deny set against an input
// document describing the process:
//
//	{
//	  "process":  "install",
//	  "settings": {"region": "us-west-1", "instanceType": "t2.micro",
//	               "ingressPorts": [8200, 22], "ingressCidr": "0.0.0.0/0"},
//	  "limits":   {"allowedRegions": [...], "allowedInstanceTypes": [...]},
//	  "store":    {"provisioned": false, "network": "prater"}
//	}
//
// Deny entries are either a message or an object with "message" and
// "severity". Error and critical violations fail the step; the rest are
// logged as warnings.
//
// # Built-in policies
//
//   - allowed-regions: provisioning only in allowed regions (error)
//   - instance-types: only allowed instance types (error)
//   - uninstall-target: uninstall without a recorded server (warning)
//   - management-ingress: SSH open to the whole internet (warning)
//
// # Custom policies
//
// Custom policies are .rego files, named after the file, or .json files
// holding a Policy. Rego modules must import rego.v1:
//
//	package stakehost.custom.network
//
//	import rego.v1
//
//	deny contains violation if {
//		input.process == "install"
//		input.store.network == "mainnet"
//		violation := {"message": "mainnet installs are disabled", "severity": "error"}
//	}
//
// Engine.Watch reloads the policy directory whenever a file changes. A
// reload that fails to compile keeps the previous set.
package policy
