// Package firewall installs the one rule this daemon needs before the
// master forks its children: an INPUT accept for each configured UDP
// listen port, so the proxy's sockets are reachable on hosts running a
// default-deny nft filter table. Everything beyond that (NAT,
// forwarding between the tunnel and an upstream device) is operator
// tooling, out of scope here.
package firewall

import nft "github.com/google/nftables"

// conn is the subset of *nftables.Conn this package calls, narrowed to
// an interface so tests substitute an in-memory fake instead of
// touching the real netlink socket.
type conn interface {
	ListTables() ([]*nft.Table, error)
	ListChains() ([]*nft.Chain, error)
	AddTable(*nft.Table) *nft.Table
	AddChain(*nft.Chain) *nft.Chain
	GetRules(*nft.Table, *nft.Chain) ([]*nft.Rule, error)
	AddRule(*nft.Rule) *nft.Rule
	DelRule(*nft.Rule) error
	Flush() error
	CloseLasting() error
}
