// Package keyvault deploys and operates the containerized key vault on the
// provisioned server.
//
// All remote work goes over SSH. Commands judged by their output use
// Runner.Exec, where anything on stderr is an error; installers that log
// progress to stderr use Runner.Run and are judged by exit status. The
// key-vault HTTP API is called with curl on the server itself.
//
// Connection details come from the keyed store: "publicIp" and the
// "keyPair" private key. The root token read after initialization is kept
// in "vaultRootToken", which the store encrypts at rest.
package keyvault
