package firewall

import (
	"testing"

	nft "github.com/google/nftables"
)

// fakeConn is an in-memory conn, standing in for the real netlink
// socket in tests.
type fakeConn struct {
	tables []*nft.Table
	chains []*nft.Chain
	rules  map[*nft.Chain][]*nft.Rule
}

func (f *fakeConn) ListTables() ([]*nft.Table, error) { return f.tables, nil }
func (f *fakeConn) ListChains() ([]*nft.Chain, error) { return f.chains, nil }
func (f *fakeConn) AddTable(t *nft.Table) *nft.Table {
	f.tables = append(f.tables, t)
	return t
}
func (f *fakeConn) AddChain(ch *nft.Chain) *nft.Chain {
	f.chains = append(f.chains, ch)
	return ch
}
func (f *fakeConn) GetRules(_ *nft.Table, ch *nft.Chain) ([]*nft.Rule, error) {
	return f.rules[ch], nil
}
func (f *fakeConn) AddRule(r *nft.Rule) *nft.Rule {
	if f.rules == nil {
		f.rules = map[*nft.Chain][]*nft.Rule{}
	}
	f.rules[r.Chain] = append(f.rules[r.Chain], r)
	return r
}
func (f *fakeConn) DelRule(r *nft.Rule) error {
	rs := f.rules[r.Chain]
	for i, rr := range rs {
		if rr == r {
			f.rules[r.Chain] = append(rs[:i], rs[i+1:]...)
			return nil
		}
	}
	return nil
}
func (f *fakeConn) Flush() error        { return nil }
func (f *fakeConn) CloseLasting() error { return nil }

func findInputChain(t *testing.T, f *fakeConn) *nft.Chain {
	t.Helper()
	for _, ch := range f.chains {
		if ch.Table != nil && ch.Table.Name == "filter" && ch.Name == "INPUT" {
			return ch
		}
	}
	t.Fatal("filter/INPUT chain not found")
	return nil
}

func TestOpenUDPPortCreatesChainAndRule(t *testing.T) {
	fc := &fakeConn{}
	d := newWithConn(fc)

	if err := d.OpenUDPPort(51820); err != nil {
		t.Fatalf("OpenUDPPort: %v", err)
	}
	ch := findInputChain(t, fc)
	if len(fc.rules[ch]) != 1 {
		t.Fatalf("expected exactly one rule, got %d", len(fc.rules[ch]))
	}
}

func TestOpenUDPPortIsIdempotent(t *testing.T) {
	fc := &fakeConn{}
	d := newWithConn(fc)

	if err := d.OpenUDPPort(51820); err != nil {
		t.Fatalf("OpenUDPPort: %v", err)
	}
	if err := d.OpenUDPPort(51820); err != nil {
		t.Fatalf("OpenUDPPort (second call): %v", err)
	}
	ch := findInputChain(t, fc)
	if len(fc.rules[ch]) != 1 {
		t.Fatalf("expected the second call to be a no-op, got %d rules", len(fc.rules[ch]))
	}
}

func TestOpenUDPPortDistinctPortsGetDistinctRules(t *testing.T) {
	fc := &fakeConn{}
	d := newWithConn(fc)

	if err := d.OpenUDPPort(51820); err != nil {
		t.Fatalf("OpenUDPPort: %v", err)
	}
	if err := d.OpenUDPPort(51821); err != nil {
		t.Fatalf("OpenUDPPort: %v", err)
	}
	ch := findInputChain(t, fc)
	if len(fc.rules[ch]) != 2 {
		t.Fatalf("expected two distinct rules, got %d", len(fc.rules[ch]))
	}
}
