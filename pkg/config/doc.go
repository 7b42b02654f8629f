// Package config loads the stakehost settings.
//
// Settings are layered: built-in defaults, then a settings file, then
// environment overrides. The file is YAML (stakehost.yaml in the data
// directory by default) or CUE, either a single .cue file or a package
// directory. Both formats are checked against the #Settings CUE schema, so
// unknown keys and malformed durations are reported with their position.
// The merged result is then checked with the validator struct tags.
//
// A minimal YAML file:
//
//	env: production
//	aws:
//	  region: eu-central-1
//	  allowed_regions: [eu-central-1, eu-west-1]
//	api:
//	  retries: 5
//	  retry_delay: 2s
//
// The same in CUE:
//
//	env: "production"
//	aws: {
//		region:          "eu-central-1"
//		allowed_regions: ["eu-central-1", "eu-west-1"]
//	}
//	api: retries: 5
//
// Environment overrides:
//
//	STAKEHOST_DATA_DIR           data directory
//	STAKEHOST_DATABASE           database file
//	STAKEHOST_ENV                store environment
//	STAKEHOST_USER_ID            store user
//	STAKEHOST_AWS_REGION         server region
//	STAKEHOST_AWS_INSTANCE_TYPE  server instance type
//	STAKEHOST_API_URL            backend base URL
//	STAKEHOST_KEY_MANAGER        key-manager binary
//	STAKEHOST_POLICY_DIR         custom policy directory
//	LOG_LEVEL                    log level
//	HTTP_RETRIES                 backend retries
//	HTTP_RETRY_DELAY             backend retry delay, milliseconds or a duration
package config
