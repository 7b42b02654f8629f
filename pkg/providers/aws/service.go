package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/telemetry"
)

const adapterName = "aws"

// amazonLinuxImage matches the Amazon Linux 2 images the key vault is
// installed on.
const amazonLinuxImage = "amzn2-ami-hvm-*-x86_64-gp2"

// KeyPair is the stored EC2 key pair.
type KeyPair struct {
	KeyPairID  string `json:"keyPairId"`
	KeyName    string `json:"keyName"`
	PrivateKey string `json:"privateKey"`
}

// Service provisions the key-vault server. Resource ids are kept in kv, so
// every create operation is a no-op once its id is recorded.
type Service struct {
	kv       keystore.KV
	settings Settings
	factory  ClientFactory
	logger   *telemetry.Logger

	mu     sync.Mutex
	client EC2API
}

// NewService creates a provider bound to kv.
func NewService(kv keystore.KV, settings Settings, factory ClientFactory, logger *telemetry.Logger) *Service {
	if factory == nil {
		factory = NewEC2Client
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		kv:       kv,
		settings: settings,
		factory:  factory,
		logger:   logger.NewComponentLogger("aws"),
	}
}

// call runs one EC2 request with adapter metrics and tracing.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context, c EC2API) error) error {
	c, err := s.ec2(ctx)
	if err != nil {
		return err
	}
	return telemetry.RecordAdapterOperation(ctx, adapterName, op, func(ctx context.Context) error {
		return fn(ctx, c)
	})
}

// ec2 returns the client, building it from stored credentials on first use.
func (s *Service) ec2(ctx context.Context) (EC2API, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}
	if err := s.SetAWSCredentials(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, nil
}

// SetAWSCredentials builds the EC2 client from the stored credentials.
func (s *Service) SetAWSCredentials(ctx context.Context) error {
	var creds Credentials
	if err := keystore.GetInto(ctx, s.kv, "credentials", &creds); err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	c, err := s.factory(ctx, s.settings.Region, creds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return nil
}

// ValidateAWSPermissions checks the credentials can describe instances and
// addresses. Rejected credentials are removed from the store.
func (s *Service) ValidateAWSPermissions(ctx context.Context) error {
	err := s.call(ctx, "validatePermissions", func(ctx context.Context, c EC2API) error {
		if _, err := c.DescribeInstances(ctx, &ec2.DescribeInstancesInput{MaxResults: sdkaws.Int32(5)}); err != nil {
			return err
		}
		_, err := c.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
		return err
	})
	if err == nil {
		return nil
	}

	s.logger.WithError(err).Warn("AWS credentials rejected, removing them")
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	if derr := s.kv.Delete(ctx, "credentials"); derr != nil {
		return errors.Join(err, derr)
	}
	return err
}

// CreateEc2KeyPair creates the key pair used to log into the server.
func (s *Service) CreateEc2KeyPair(ctx context.Context) error {
	if ok, err := s.kv.Exists(ctx, "keyPair"); err != nil || ok {
		return err
	}
	uuid, err := s.requireString(ctx, "uuid")
	if err != nil {
		return err
	}

	name := s.settings.keyName(uuid)
	var out *ec2.CreateKeyPairOutput
	err = s.call(ctx, "createKeyPair", func(ctx context.Context, c EC2API) error {
		var err error
		out, err = c.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{KeyName: sdkaws.String(name)})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create key pair %s: %w", name, err)
	}

	return s.kv.Set(ctx, "keyPair", map[string]any{
		"keyPairId":  str(out.KeyPairId),
		"keyName":    name,
		"privateKey": str(out.KeyMaterial),
	})
}

// CreateElasticIp allocates the server's public address.
func (s *Service) CreateElasticIp(ctx context.Context) error {
	if ok, err := s.kv.Exists(ctx, "addressId"); err != nil || ok {
		return err
	}

	var out *ec2.AllocateAddressOutput
	err := s.call(ctx, "allocateAddress", func(ctx context.Context, c EC2API) error {
		var err error
		out, err = c.AllocateAddress(ctx, &ec2.AllocateAddressInput{Domain: types.DomainTypeVpc})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to allocate address: %w", err)
	}

	return s.kv.SetMultiple(ctx, map[string]any{
		"addressId": str(out.AllocationId),
		"publicIp":  str(out.PublicIp),
	})
}

// CreateSecurityGroup creates the server's group in the default VPC and
// opens the key-vault and SSH ports.
func (s *Service) CreateSecurityGroup(ctx context.Context) error {
	if ok, err := s.kv.Exists(ctx, "securityGroupId"); err != nil || ok {
		return err
	}
	uuid, err := s.requireString(ctx, "uuid")
	if err != nil {
		return err
	}

	name := s.settings.groupName(uuid)
	var groupID string
	err = s.call(ctx, "createSecurityGroup", func(ctx context.Context, c EC2API) error {
		vpcs, err := c.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
			Filters: []types.Filter{{Name: sdkaws.String("isDefault"), Values: []string{"true"}}},
		})
		if err != nil {
			return err
		}
		if len(vpcs.Vpcs) == 0 {
			return errors.New("no default VPC in region")
		}

		group, err := c.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   sdkaws.String(name),
			Description: sdkaws.String(name),
			VpcId:       vpcs.Vpcs[0].VpcId,
		})
		if err != nil {
			return err
		}
		groupID = str(group.GroupId)

		perms := make([]types.IpPermission, 0, len(s.settings.IngressPorts))
		for _, port := range s.settings.IngressPorts {
			perms = append(perms, types.IpPermission{
				IpProtocol: sdkaws.String("tcp"),
				FromPort:   sdkaws.Int32(port),
				ToPort:     sdkaws.Int32(port),
				IpRanges:   []types.IpRange{{CidrIp: sdkaws.String(s.settings.IngressCIDR)}},
			})
		}
		_, err = c.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       group.GroupId,
			IpPermissions: perms,
		})
		return err
	})
	if err != nil {
		// keep a half-configured group so teardown can remove it
		if groupID != "" {
			_ = s.kv.Set(ctx, "securityGroupId", groupID)
		}
		return fmt.Errorf("failed to create security group %s: %w", name, err)
	}

	return s.kv.Set(ctx, "securityGroupId", groupID)
}

// CreateInstance launches the server, waits for it to run and attaches the
// elastic IP.
func (s *Service) CreateInstance(ctx context.Context) error {
	if ok, err := s.kv.Exists(ctx, "instanceId"); err != nil || ok {
		return err
	}
	groupID, err := s.requireString(ctx, "securityGroupId")
	if err != nil {
		return err
	}
	addressID, err := s.requireString(ctx, "addressId")
	if err != nil {
		return err
	}
	var kp KeyPair
	if err := keystore.GetInto(ctx, s.kv, "keyPair", &kp); err != nil {
		return err
	}
	if kp.KeyName == "" {
		return errors.New("keyPair is not set")
	}

	ami, err := s.imageID(ctx)
	if err != nil {
		return err
	}

	var instanceID string
	err = s.call(ctx, "runInstances", func(ctx context.Context, c EC2API) error {
		out, err := c.RunInstances(ctx, &ec2.RunInstancesInput{
			ImageId:          sdkaws.String(ami),
			InstanceType:     types.InstanceType(s.settings.InstanceType),
			KeyName:          sdkaws.String(kp.KeyName),
			SecurityGroupIds: []string{groupID},
			MinCount:         sdkaws.Int32(1),
			MaxCount:         sdkaws.Int32(1),
			TagSpecifications: []types.TagSpecification{{
				ResourceType: types.ResourceTypeInstance,
				Tags:         []types.Tag{{Key: sdkaws.String("Name"), Value: sdkaws.String(s.settings.ServerTag)}},
			}},
		})
		if err != nil {
			return err
		}
		if len(out.Instances) == 0 {
			return errors.New("no instance launched")
		}
		instanceID = str(out.Instances[0].InstanceId)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to launch instance: %w", err)
	}
	if err := s.kv.Set(ctx, "instanceId", instanceID); err != nil {
		return err
	}
	s.logger.WithField("instance_id", instanceID).Info("instance launched")

	err = s.call(ctx, "waitInstanceRunning", func(ctx context.Context, c EC2API) error {
		w := ec2.NewInstanceRunningWaiter(c, func(o *ec2.InstanceRunningWaiterOptions) {
			if s.settings.WaiterDelay > 0 {
				o.MinDelay, o.MaxDelay = s.settings.WaiterDelay, s.settings.WaiterDelay
			}
		})
		return w.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, s.settings.WaiterTimeout)
	})
	if err != nil {
		return fmt.Errorf("instance %s did not start: %w", instanceID, err)
	}

	return s.call(ctx, "associateAddress", func(ctx context.Context, c EC2API) error {
		_, err := c.AssociateAddress(ctx, &ec2.AssociateAddressInput{
			AllocationId: sdkaws.String(addressID),
			InstanceId:   sdkaws.String(instanceID),
		})
		if err != nil {
			return fmt.Errorf("failed to associate address: %w", err)
		}
		return nil
	})
}

// imageID returns the configured AMI or the newest Amazon Linux 2 image.
func (s *Service) imageID(ctx context.Context) (string, error) {
	if s.settings.AMI != "" {
		return s.settings.AMI, nil
	}

	var id string
	err := s.call(ctx, "describeImages", func(ctx context.Context, c EC2API) error {
		out, err := c.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners: []string{"amazon"},
			Filters: []types.Filter{
				{Name: sdkaws.String("name"), Values: []string{amazonLinuxImage}},
				{Name: sdkaws.String("state"), Values: []string{"available"}},
			},
		})
		if err != nil {
			return err
		}
		var newest string
		for _, img := range out.Images {
			if created := str(img.CreationDate); created > newest {
				newest = created
				id = str(img.ImageId)
			}
		}
		if id == "" {
			return fmt.Errorf("no image matches %s", amazonLinuxImage)
		}
		return nil
	})
	return id, err
}

func (s *Service) requireString(ctx context.Context, key string) (string, error) {
	v, err := s.kv.GetString(ctx, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s is not set", key)
	}
	return v, nil
}
