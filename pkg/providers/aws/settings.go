package aws

import "time"

// Settings configure the provisioned server.
type Settings struct {
	Region       string
	InstanceType string

	// AMI is the image to launch. Empty selects the newest Amazon Linux 2 image.
	AMI string

	ServerTag       string
	KeyNamePrefix   string
	GroupNamePrefix string
	IngressPorts    []int32
	IngressCIDR     string

	// WaiterTimeout bounds every instance state waiter.
	WaiterTimeout time.Duration

	// WaiterDelay overrides the SDK's polling delay when positive.
	WaiterDelay time.Duration
}

// DefaultSettings returns the settings of a standard installation.
func DefaultSettings() Settings {
	return Settings{
		Region:          "us-west-1",
		InstanceType:    "t2.micro",
		ServerTag:       "Blox-Infra-Server",
		KeyNamePrefix:   "BLOX_INFRA_KEY_PAIR",
		GroupNamePrefix: "BLOX_INFRA_GROUP",
		IngressPorts:    []int32{8200, 22},
		IngressCIDR:     "0.0.0.0/0",
		WaiterTimeout:   10 * time.Minute,
	}
}

func (s Settings) keyName(uuid string) string {
	return s.KeyNamePrefix + "-" + uuid
}

func (s Settings) groupName(uuid string) string {
	return s.GroupNamePrefix + "-" + uuid
}
