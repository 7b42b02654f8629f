package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/cenkalti/backoff/v5"

	"github.com/stakehost/stakehost/pkg/keystore"
)

// groupReleaseInterval is how often deleteSecurityGroup retries while the
// terminated instance still holds the group.
const groupReleaseInterval = 5 * time.Second

// TerminateInstance terminates the server and waits until it is gone.
// An instance that no longer exists counts as terminated.
func (s *Service) TerminateInstance(ctx context.Context) error {
	instanceID, err := s.kv.GetString(ctx, "instanceId")
	if err != nil || instanceID == "" {
		return err
	}

	err = s.call(ctx, "terminateInstances", func(ctx context.Context, c EC2API) error {
		_, err := c.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return err
		}
		w := ec2.NewInstanceTerminatedWaiter(c, func(o *ec2.InstanceTerminatedWaiterOptions) {
			if s.settings.WaiterDelay > 0 {
				o.MinDelay, o.MaxDelay = s.settings.WaiterDelay, s.settings.WaiterDelay
			}
		})
		return w.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, s.settings.WaiterTimeout)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}

	s.logger.WithField("instance_id", instanceID).Info("instance terminated")
	return s.kv.Delete(ctx, "instanceId")
}

// ReleaseAddress releases the elastic IP.
func (s *Service) ReleaseAddress(ctx context.Context) error {
	addressID, err := s.kv.GetString(ctx, "addressId")
	if err != nil || addressID == "" {
		return err
	}

	err = s.call(ctx, "releaseAddress", func(ctx context.Context, c EC2API) error {
		_, err := c.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: sdkaws.String(addressID)})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to release address %s: %w", addressID, err)
	}

	if err := s.kv.Delete(ctx, "addressId"); err != nil {
		return err
	}
	return s.kv.Delete(ctx, "publicIp")
}

// DeleteSecurityGroup deletes the server's group, retrying while a
// terminating instance still references it.
func (s *Service) DeleteSecurityGroup(ctx context.Context) error {
	groupID, err := s.kv.GetString(ctx, "securityGroupId")
	if err != nil || groupID == "" {
		return err
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := s.call(ctx, "deleteSecurityGroup", func(ctx context.Context, c EC2API) error {
			_, err := c.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sdkaws.String(groupID)})
			return err
		})
		if err != nil && !isDependencyViolation(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.groupReleaseInterval())),
		backoff.WithMaxElapsedTime(s.settings.WaiterTimeout),
	)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete security group %s: %w", groupID, err)
	}

	return s.kv.Delete(ctx, "securityGroupId")
}

func (s *Service) groupReleaseInterval() time.Duration {
	if s.settings.WaiterDelay > 0 {
		return s.settings.WaiterDelay
	}
	return groupReleaseInterval
}

// DeleteKeyPair deletes the server's key pair.
func (s *Service) DeleteKeyPair(ctx context.Context) error {
	var kp KeyPair
	if err := keystore.GetInto(ctx, s.kv, "keyPair", &kp); err != nil {
		return err
	}
	if kp.KeyPairID == "" && kp.KeyName == "" {
		return nil
	}

	in := &ec2.DeleteKeyPairInput{}
	if kp.KeyPairID != "" {
		in.KeyPairId = sdkaws.String(kp.KeyPairID)
	} else {
		in.KeyName = sdkaws.String(kp.KeyName)
	}
	err := s.call(ctx, "deleteKeyPair", func(ctx context.Context, c EC2API) error {
		_, err := c.DeleteKeyPair(ctx, in)
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete key pair: %w", err)
	}

	return s.kv.Delete(ctx, "keyPair")
}

// TruncateServer removes the server and its address but keeps the key
// pair and security group, which a reinstall reuses.
func (s *Service) TruncateServer(ctx context.Context) error {
	if err := s.TerminateInstance(ctx); err != nil {
		return err
	}
	return s.ReleaseAddress(ctx)
}

// RebootInstance reboots the server.
func (s *Service) RebootInstance(ctx context.Context) error {
	instanceID, err := s.requireString(ctx, "instanceId")
	if err != nil {
		return err
	}
	return s.call(ctx, "rebootInstances", func(ctx context.Context, c EC2API) error {
		_, err := c.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return fmt.Errorf("failed to reboot instance %s: %w", instanceID, err)
		}
		return nil
	})
}
