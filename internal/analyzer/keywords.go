package analyzer

import (
	"regexp"
	"sort"
	"strings"
)

// Impact is the expected market effect of a news item.
type Impact string

const (
	Positive Impact = "Positive"
	Negative Impact = "Negative"
	Neutral  Impact = "Neutral"
)

// Valid reports whether i is one of the three known impacts.
func (i Impact) Valid() bool {
	return i == Positive || i == Negative || i == Neutral
}

type weighted struct {
	keyword string
	weight  float64
	re      *regexp.Regexp
}

func compile(table map[string]float64) []weighted {
	out := make([]weighted, 0, len(table))
	for k, w := range table {
		out = append(out, weighted{
			keyword: k,
			weight:  w,
			re:      regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(k) + `\b`),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].keyword < out[j].keyword })
	return out
}

var positiveKeywords = compile(map[string]float64{
	"adoption":      2,
	"all-time high": 3,
	"approval":      3,
	"approved":      3,
	"breakout":      2,
	"bullish":       3,
	"etf":           2,
	"gains":         1.5,
	"growth":        1.5,
	"institutional": 2,
	"integration":   1.5,
	"investment":    1.5,
	"launch":        1.5,
	"milestone":     1.5,
	"partnership":   2,
	"rally":         2.5,
	"record high":   3,
	"surge":         2.5,
	"upgrade":       1.5,
})

var negativeKeywords = compile(map[string]float64{
	"ban":           3,
	"banned":        3,
	"bankruptcy":    3,
	"bearish":       3,
	"crackdown":     2.5,
	"crash":         3,
	"delisting":     2.5,
	"dump":          2,
	"exploit":       3,
	"fraud":         3,
	"hack":          3,
	"hacked":        3,
	"investigation": 2,
	"lawsuit":       2.5,
	"losses":        1.5,
	"outage":        2,
	"plunge":        2.5,
	"regulation":    1.5,
	"scam":          3,
	"sell-off":      2.5,
	"selloff":       2.5,
	"vulnerability": 2,
})

type coin struct {
	symbol string
	// names match case-insensitively, the ticker only in upper case.
	names  *regexp.Regexp
	ticker *regexp.Regexp
}

func newCoin(symbol string, names ...string) coin {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return coin{
		symbol: symbol,
		names:  regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
		ticker: regexp.MustCompile(`\$?\b` + symbol + `\b`),
	}
}

var coins = []coin{
	newCoin("BTC", "bitcoin"),
	newCoin("ETH", "ethereum", "ether"),
	newCoin("SOL", "solana"),
	newCoin("XRP", "ripple"),
	newCoin("ADA", "cardano"),
	newCoin("DOGE", "dogecoin"),
	newCoin("DOT", "polkadot"),
	newCoin("BNB", "binance coin"),
	newCoin("AVAX", "avalanche"),
	newCoin("MATIC", "polygon"),
	newCoin("LINK", "chainlink"),
	newCoin("LTC", "litecoin"),
	newCoin("USDT", "tether"),
	newCoin("USDC", "usd coin"),
}

// DetectCoins returns the symbols of coins mentioned in text, in a fixed
// order.
func DetectCoins(text string) []string {
	out := []string{}
	for _, c := range coins {
		if c.names.MatchString(text) || c.ticker.MatchString(text) {
			out = append(out, c.symbol)
		}
	}
	return out
}

// KeywordMatch is one keyword found in the text.
type KeywordMatch struct {
	Keyword string  `json:"keyword"`
	Weight  float64 `json:"weight"`
}

// KeywordReport is the outcome of the keyword heuristic.
type KeywordReport struct {
	Impact     Impact         `json:"impact"`
	Confidence int            `json:"confidence"`
	Positive   []KeywordMatch `json:"positive"`
	Negative   []KeywordMatch `json:"negative"`
	Coins      []string       `json:"coins"`
}

// Total is the number of matched keywords.
func (r KeywordReport) Total() int { return len(r.Positive) + len(r.Negative) }

func match(table []weighted, text string) ([]KeywordMatch, float64) {
	out := []KeywordMatch{}
	var sum float64
	for _, w := range table {
		if w.re.MatchString(text) {
			out = append(out, KeywordMatch{Keyword: w.keyword, Weight: w.weight})
			sum += w.weight
		}
	}
	return out, sum
}

// Keywords scores text by weighted keyword matches. With no matches the
// verdict is Neutral at 50. Otherwise the side with more weight wins when it
// holds at least 60% of the total, and confidence grows with that share and
// with the winning weight, capped at 95.
func Keywords(text string) KeywordReport {
	pos, posSum := match(positiveKeywords, text)
	neg, negSum := match(negativeKeywords, text)
	r := KeywordReport{
		Impact:     Neutral,
		Confidence: 50,
		Positive:   pos,
		Negative:   neg,
		Coins:      DetectCoins(text),
	}

	total := posSum + negSum
	if total == 0 {
		return r
	}
	share := posSum / total
	winner := posSum
	if negSum > posSum {
		share = negSum / total
		winner = negSum
	}
	if share < 0.6 {
		r.Confidence = 55
		return r
	}

	if posSum > negSum {
		r.Impact = Positive
	} else {
		r.Impact = Negative
	}
	r.Confidence = min(95, 50+int(share*25)+int(winner*4))
	return r
}
