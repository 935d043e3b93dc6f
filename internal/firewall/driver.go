package firewall

import (
	"fmt"
	"os"
	"reflect"

	nft "github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// Driver opens the UDP listen ports the proxy binds before the master
// forks any child: ensure the base chain exists, then append a tagged
// accept rule per port.
type Driver struct {
	conn conn
}

func New() (*Driver, error) {
	c, err := nft.New(nft.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("firewall: nftables conn: %w", err)
	}
	return &Driver{conn: c}, nil
}

// newWithConn is the test seam: it takes any conn, not just a real
// *nftables.Conn.
func newWithConn(c conn) *Driver { return &Driver{conn: c} }

func (d *Driver) Close() error { return d.conn.CloseLasting() }

// OpenUDPPort ensures an INPUT-chain accept rule exists for port,
// creating the filter/INPUT base chain if the host's ruleset does not
// have one yet. Idempotent: rules are tagged and not duplicated.
func (d *Driver) OpenUDPPort(port uint16) error {
	t, ch, err := d.ensureFilterInput()
	if err != nil {
		return err
	}
	if err := d.appendIfMissingByTag(t, ch, exprAcceptUDPPort(port), tagUDP(port)); err != nil {
		return err
	}
	return d.conn.Flush()
}

func (d *Driver) ensureFilterInput() (*nft.Table, *nft.Chain, error) {
	t, ch, err := d.getChain("filter", "INPUT")
	if err == nil && ch != nil {
		return t, ch, nil
	}
	if t == nil {
		t = &nft.Table{Family: nft.TableFamilyIPv4, Name: "filter"}
		d.conn.AddTable(t)
		if e := d.conn.Flush(); e != nil {
			return nil, nil, fmt.Errorf("firewall: add table filter: %w", e)
		}
	}
	hook := *nft.ChainHookInput
	prio := nft.ChainPriority(0)
	policy := nft.ChainPolicyAccept
	ch = &nft.Chain{Table: t, Name: "INPUT", Type: nft.ChainTypeFilter, Hooknum: &hook, Priority: &prio, Policy: &policy}
	d.conn.AddChain(ch)
	if e := d.conn.Flush(); e != nil {
		return nil, nil, fmt.Errorf("firewall: add chain filter/INPUT: %w", e)
	}
	return t, ch, nil
}

func (d *Driver) getChain(tableName, chainName string) (*nft.Table, *nft.Chain, error) {
	tables, err := d.conn.ListTables()
	if err != nil {
		return nil, nil, fmt.Errorf("firewall: list tables: %w", err)
	}
	var tbl *nft.Table
	for _, t := range tables {
		if t.Family == nft.TableFamilyIPv4 && t.Name == tableName {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, nil, os.ErrNotExist
	}
	chains, err := d.conn.ListChains()
	if err != nil {
		return nil, nil, fmt.Errorf("firewall: list chains: %w", err)
	}
	for _, ch := range chains {
		if ch.Table != nil && ch.Table.Name == tableName && ch.Name == chainName {
			return tbl, ch, nil
		}
	}
	return tbl, nil, os.ErrNotExist
}

func (d *Driver) appendIfMissingByTag(t *nft.Table, ch *nft.Chain, e []expr.Any, tag []byte) error {
	rules, err := d.conn.GetRules(t, ch)
	if err != nil {
		return fmt.Errorf("firewall: get rules %s/%s: %w", t.Name, ch.Name, err)
	}
	for _, r := range rules {
		if reflect.DeepEqual(r.UserData, tag) {
			return nil
		}
	}
	d.conn.AddRule(&nft.Rule{Table: t, Chain: ch, Exprs: e, UserData: tag})
	return nil
}

// exprAcceptUDPPort matches "ip protocol udp udp dport <port> accept".
func exprAcceptUDPPort(port uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_UDP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func tagUDP(port uint16) []byte {
	return []byte(fmt.Sprintf("uwg:udp dport=%d", port))
}
