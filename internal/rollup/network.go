package rollup

import (
	"fmt"
	"strings"
)

// Network names a rollup deployment.
type Network string

// Known networks.
const (
	NetworkLocalhost Network = "localhost"
	NetworkMainnet   Network = "mainnet"
	NetworkRopsten   Network = "ropsten"
	NetworkRinkeby   Network = "rinkeby"
)

// Endpoints are the JSON-RPC endpoints of a network.
type Endpoints struct {
	HTTP string
	WS   string
}

var networkEndpoints = map[Network]Endpoints{
	NetworkLocalhost: {HTTP: "http://localhost:3030", WS: "ws://localhost:3031"},
	NetworkMainnet:   {HTTP: "https://api.zksync.io/jsrpc", WS: "wss://api.zksync.io/jsrpc-ws"},
	NetworkRopsten:   {HTTP: "https://ropsten-api.zksync.io/jsrpc", WS: "wss://ropsten-api.zksync.io/jsrpc-ws"},
	NetworkRinkeby:   {HTTP: "https://rinkeby-api.zksync.io/jsrpc", WS: "wss://rinkeby-api.zksync.io/jsrpc-ws"},
}

// ParseNetwork validates a network name.
func ParseNetwork(name string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := networkEndpoints[n]; !ok {
		return "", fmt.Errorf("unknown network %q", name)
	}
	return n, nil
}

// Endpoints returns the default endpoints of the network.
func (n Network) Endpoints() Endpoints {
	return networkEndpoints[n]
}
