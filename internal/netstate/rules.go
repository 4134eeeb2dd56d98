package netstate

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"
	"text/template"

	"github.com/containernetworking/plugins/pkg/ip"

	"github.com/cochaviz/tunnelbed/internal/topology"
)

//go:embed rules.nft.tmpl
var rulesTemplate string

var rulesTmpl = template.Must(template.New("rules").Parse(rulesTemplate))

var (
	nftCommand = "nft"

	// runNft feeds input to nft and returns its combined output.
	runNft = func(ctx context.Context, input []byte, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, nftCommand, args...)
		if input != nil {
			cmd.Stdin = bytes.NewReader(input)
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return out, nil
	}

	// commandSucceeds reports whether a command exits zero. Non-zero exits
	// are answers, not errors.
	commandSucceeds = func(ctx context.Context, name string, args ...string) (bool, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		err := cmd.Run()
		if err == nil {
			return true, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, err
	}

	enableIP4Forward = ip.EnableIP4Forward
)

func renderRules(rs topology.RuleSet) ([]byte, error) {
	if rs.Table == "" {
		return nil, errors.New("rule set has no table name")
	}
	var rendered bytes.Buffer
	if err := rulesTmpl.Execute(&rendered, rs); err != nil {
		return nil, fmt.Errorf("render rule table %s: %w", rs.Table, err)
	}
	return rendered.Bytes(), nil
}

var (
	tableLine      = regexp.MustCompile(`^table inet (\S+)`)
	masqueradeLine = regexp.MustCompile(`ip saddr (\S+)(?: oifname (!= )?"([^"]+)")? masquerade`)
	acceptLine     = regexp.MustCompile(`ip daddr (\S+) accept`)
	iifnameLine    = regexp.MustCompile(`iifname "([^"]+)" accept`)
)

// listRules reads back every inet table in the current namespace.
func listRules(ctx context.Context) ([]topology.RuleSet, error) {
	out, err := runNft(ctx, nil, "list", "tables")
	if err != nil {
		return nil, fmt.Errorf("nft list tables: %w", err)
	}
	var sets []topology.RuleSet
	for _, table := range parseTables(out) {
		listing, err := runNft(ctx, nil, "list", "table", "inet", table)
		if err != nil {
			return nil, fmt.Errorf("nft list table inet %s: %w", table, err)
		}
		sets = append(sets, parseRuleSet(table, listing))
	}
	return sets, nil
}

func parseTables(out []byte) []string {
	var tables []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if m := tableLine.FindStringSubmatch(strings.TrimSpace(scanner.Text())); m != nil {
			tables = append(tables, m[1])
		}
	}
	return tables
}

// parseRuleSet recovers the parts of a table that verification looks at.
// Rules it does not recognise are ignored.
func parseRuleSet(table string, listing []byte) topology.RuleSet {
	rs := topology.RuleSet{Table: table}
	scanner := bufio.NewScanner(bytes.NewReader(listing))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := masqueradeLine.FindStringSubmatch(line); m != nil {
			source, err := netip.ParsePrefix(m[1])
			if err != nil {
				continue
			}
			masq := topology.Masquerade{Source: source}
			switch {
			case m[3] == "":
			case m[2] != "":
				masq.NotOutInterface = m[3]
			default:
				masq.OutInterface = m[3]
			}
			rs.Masquerade = append(rs.Masquerade, masq)
			continue
		}
		if m := acceptLine.FindStringSubmatch(line); m != nil {
			if p, err := netip.ParsePrefix(m[1]); err == nil {
				rs.Accept = append(rs.Accept, p)
			}
			continue
		}
		if m := iifnameLine.FindStringSubmatch(line); m != nil {
			rs.AcceptInterface = m[1]
		}
	}
	return rs
}
