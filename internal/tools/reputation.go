package tools

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

const maxURL = 2048

// Verdicts returned by url_reputation.
const (
	VerdictSafe       = "safe"
	VerdictSuspicious = "suspicious"
	VerdictMalicious  = "malicious"
)

var suspiciousTLDs = map[string]bool{
	"zip": true, "xyz": true, "top": true, "tk": true, "ml": true,
	"ga": true, "cf": true, "gq": true, "click": true, "country": true,
}

var shorteners = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "t.co": true, "goo.gl": true,
	"ow.ly": true, "is.gd": true, "buff.ly": true, "cutt.ly": true,
}

var lureWords = []string{
	"airdrop", "claim", "free-crypto", "giveaway", "login", "private-key",
	"seed-phrase", "verify", "wallet-connect", "walletconnect",
}

// ReputationResult is the url_reputation output.
type ReputationResult struct {
	URL     string   `json:"url"`
	Host    string   `json:"host"`
	Score   int      `json:"score"`
	Verdict string   `json:"verdict"`
	Flags   []string `json:"flags"`
	Checked string   `json:"checked_at"`
}

// CheckURL scores raw from 100 down by heuristic red flags. Scores of 80 and
// above are safe, 50 and above suspicious.
func CheckURL(raw string) (ReputationResult, *mcp.Error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ReputationResult{}, mcp.InvalidParamsError("Invalid params: url must be an absolute http or https URL")
	}

	host := strings.ToLower(u.Hostname())
	score := 100
	flags := []string{}
	flag := func(name string, penalty int) {
		flags = append(flags, name)
		score -= penalty
	}

	if u.Scheme == "http" {
		flag("insecure_scheme", 10)
	}
	if u.User != nil {
		flag("embedded_credentials", 20)
	}
	if net.ParseIP(host) != nil {
		flag("ip_host", 25)
	}
	if strings.Contains(host, "xn--") {
		flag("punycode_host", 20)
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && suspiciousTLDs[host[i+1:]] {
		flag("suspicious_tld", 20)
	}
	if shorteners[strings.TrimPrefix(host, "www.")] {
		flag("url_shortener", 15)
	}
	if strings.Count(host, ".") >= 4 {
		flag("deep_subdomain", 10)
	}
	if u.Port() != "" && u.Port() != "80" && u.Port() != "443" {
		flag("nonstandard_port", 10)
	}
	lower := strings.ToLower(host + u.EscapedPath() + "?" + u.RawQuery)
	for _, w := range lureWords {
		if strings.Contains(lower, w) {
			flag("keyword:"+w, 15)
		}
	}

	score = max(score, 0)
	verdict := VerdictMalicious
	switch {
	case score >= 80:
		verdict = VerdictSafe
	case score >= 50:
		verdict = VerdictSuspicious
	}
	return ReputationResult{URL: u.String(), Host: host, Score: score, Verdict: verdict, Flags: flags}, nil
}

// URLReputation scores a link before it is shared.
func (s *Set) URLReputation() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "url_reputation",
		Description: "Check a URL for common phishing and scam indicators",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": stringProp("Absolute http or https URL", 1, maxURL),
			},
			"required": []string{"url"},
		},
	}, func(_ context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if err := checkLength("url", in.URL, 1, maxURL); err != nil {
			return nil, err
		}
		out, perr := CheckURL(in.URL)
		if perr != nil {
			return nil, perr
		}
		out.Checked = s.timestamp()
		return out, nil
	})
}
