package aws

import (
	"context"

	"github.com/stakehost/stakehost/pkg/engine"
)

// OwnerName returns the step owner name.
func (s *Service) OwnerName() string { return "aws" }

func run(fn func(context.Context) error) engine.Operation {
	return func(ctx context.Context, _ engine.Params) (any, error) {
		return nil, fn(ctx)
	}
}

// Operations exposes provisioning and teardown as process steps.
func (s *Service) Operations() engine.OperationSet {
	creds := []string{"credentials"}

	return engine.OperationSet{
		"setAWSCredentials": {
			Metadata: engine.StepMetadata{DisplayName: "Checking KeyVault configuration...", RequiredConfigKeys: creds},
			Run:      run(s.SetAWSCredentials),
		},
		"validateAWSPermissions": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Validating AWS permissions...",
				RequiredConfigKeys: creds,
				DisplayMessage:     "AWS credentials are invalid or lack EC2 permissions",
			},
			Run: run(s.ValidateAWSPermissions),
		},
		"createEc2KeyPair": {
			Metadata: engine.StepMetadata{DisplayName: "Creating server key pair...", RequiredConfigKeys: []string{"credentials", "uuid"}},
			Run:      run(s.CreateEc2KeyPair),
		},
		"createElasticIp": {
			Metadata: engine.StepMetadata{DisplayName: "Allocating server address...", RequiredConfigKeys: creds},
			Run:      run(s.CreateElasticIp),
		},
		"createSecurityGroup": {
			Metadata: engine.StepMetadata{DisplayName: "Creating security group...", RequiredConfigKeys: []string{"credentials", "uuid"}},
			Run:      run(s.CreateSecurityGroup),
		},
		"createInstance": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Launching server...",
				RequiredConfigKeys: []string{"credentials", "keyPair", "securityGroupId", "addressId"},
				DisplayMessage:     "Server launch failed",
			},
			Run: run(s.CreateInstance),
		},
		"terminateInstance": {
			Metadata: engine.StepMetadata{DisplayName: "Terminating server...", RequiredConfigKeys: creds},
			Run:      run(s.TerminateInstance),
		},
		"releaseAddress": {
			Metadata: engine.StepMetadata{DisplayName: "Releasing server address...", RequiredConfigKeys: creds},
			Run:      run(s.ReleaseAddress),
		},
		"deleteSecurityGroup": {
			Metadata: engine.StepMetadata{DisplayName: "Removing security group...", RequiredConfigKeys: creds},
			Run:      run(s.DeleteSecurityGroup),
		},
		"deleteKeyPair": {
			Metadata: engine.StepMetadata{DisplayName: "Removing server key pair...", RequiredConfigKeys: creds},
			Run:      run(s.DeleteKeyPair),
		},
		"truncateServer": {
			Metadata: engine.StepMetadata{DisplayName: "Removing old server...", RequiredConfigKeys: creds},
			Run:      run(s.TruncateServer),
		},
		"rebootInstance": {
			Metadata: engine.StepMetadata{DisplayName: "Rebooting server...", RequiredConfigKeys: []string{"credentials", "instanceId"}},
			Run:      run(s.RebootInstance),
		},
	}
}
