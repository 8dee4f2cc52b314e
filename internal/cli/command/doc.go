// Package command defines the rnode-agent command line.
//
// The run command keeps a node connected to its core node and serves the
// configured mounts until it receives SIGINT or SIGTERM. The remaining
// commands start a node without mounts, perform one operation through its
// session and stop it again:
//
//	rnode-agent --config agent.yaml run
//	rnode-agent fetch /config/app.yaml
//	rnode-agent publish devices/42/state '{"on":true}'
//	rnode-agent subscribe 'devices/+/state'
//	rnode-agent -o json members
package command
